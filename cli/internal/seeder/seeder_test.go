package seeder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edamame-systems/edamame-stack/common/logging"
	"github.com/edamame-systems/edamame-stack/common/logparser"
	"github.com/edamame-systems/edamame-stack/common/modsec"
)

var fixedNow = time.Date(2025, 7, 10, 2, 30, 0, 0, time.UTC)

func TestGenerate_Benign(t *testing.T) {
	g := New(Config{Seed: 1, Now: func() time.Time { return fixedNow }})
	parser := logparser.New(logging.Discard())

	lines := g.Generate(50)
	require.Len(t, lines, 50)
	for _, l := range lines {
		assert.False(t, l.ErrorLog)
		e, ok := parser.Parse(l.Text)
		require.True(t, ok, l.Text)
		assert.True(t, logparser.ValidIP(e.IPAddress), e.IPAddress)
		assert.NotEqual(t, 403, e.StatusCode)
	}
}

func TestGenerate_AttacksArePaired(t *testing.T) {
	g := New(Config{Seed: 7, AttackRatio: 1, Server: "shop", Now: func() time.Time { return fixedNow }})
	parser := logparser.New(logging.Discard())

	lines := g.Generate(20)
	require.Len(t, lines, 40)
	for i := 0; i < len(lines); i += 2 {
		errLine, accessLine := lines[i], lines[i+1]
		require.True(t, errLine.ErrorLog)
		require.True(t, modsec.IsAlert(errLine.Text), errLine.Text)

		alerts := modsec.Extract(errLine.Text, "shop", fixedNow)
		require.NotEmpty(t, alerts)
		assert.NotEqual(t, modsec.UnknownRuleID, alerts[0].RuleID)

		e, ok := parser.Parse(accessLine.Text)
		require.True(t, ok, accessLine.Text)
		assert.Equal(t, 403, e.StatusCode)
		assert.True(t, modsec.URLMatches(modsec.ExtractURL(errLine.Text), e.FullURL),
			"alert %q should match request %q", modsec.ExtractURL(errLine.Text), e.FullURL)
	}
}

func TestGenerate_MixedRatio(t *testing.T) {
	g := New(Config{Seed: 11, AttackRatio: 0.5, Now: func() time.Time { return fixedNow }})

	lines := g.Generate(200)
	attacks := 0
	for _, l := range lines {
		if l.ErrorLog {
			attacks++
		}
	}
	assert.Len(t, lines, 200+attacks)
	assert.Greater(t, attacks, 50)
	assert.Less(t, attacks, 150)
}

func TestGenerate_Deterministic(t *testing.T) {
	cfg := Config{Seed: 42, AttackRatio: 0.3, Now: func() time.Time { return fixedNow }}
	assert.Equal(t, New(cfg).Generate(30), New(cfg).Generate(30))
}

func TestGenerate_Spread(t *testing.T) {
	g := New(Config{Seed: 3, Spread: time.Hour, Now: func() time.Time { return fixedNow }})
	parser := logparser.New(logging.Discard(), logparser.WithClock(func() time.Time { return fixedNow }))

	lines := g.Generate(3)
	first, ok := parser.Parse(lines[0].Text)
	require.True(t, ok)
	last, ok := parser.Parse(lines[2].Text)
	require.True(t, ok)

	assert.True(t, first.AccessTime.Equal(fixedNow.Add(-time.Hour)), first.AccessTime)
	assert.True(t, last.AccessTime.Equal(fixedNow), last.AccessTime)
}
