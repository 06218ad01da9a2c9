package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func capture(t *testing.T) (stdout, stderr *bytes.Buffer) {
	t.Helper()
	stdout, stderr = &bytes.Buffer{}, &bytes.Buffer{}
	oldOut, oldErr, oldNoColor := Stdout, Stderr, color.NoColor
	Stdout, Stderr, color.NoColor = stdout, stderr, true
	t.Cleanup(func() {
		Stdout, Stderr, color.NoColor = oldOut, oldErr, oldNoColor
	})
	return stdout, stderr
}

func TestMessages(t *testing.T) {
	out, errOut := capture(t)

	Success("Registered as %s", "agent-1")
	Info("Sent %d of %d batches", 3, 4)
	Warn("Queue at %d%%", 95)
	Error("Failed to connect to %s", "localhost:2591")

	assert.Equal(t,
		"✓ Registered as agent-1\nSent 3 of 4 batches\n⚠ Queue at 95%\n",
		out.String())
	assert.Equal(t, "✗ Failed to connect to localhost:2591\n", errOut.String())
}

func TestJSON(t *testing.T) {
	out, _ := capture(t)
	type item struct {
		IP       string `json:"ip"`
		Duration int    `json:"duration"`
	}

	require.NoError(t, JSON([]item{{IP: "198.51.100.23", Duration: 3600}}))

	assert.Contains(t, out.String(), "  {\n    \"ip\"")
	var parsed []item
	require.NoError(t, json.Unmarshal(out.Bytes(), &parsed))
	assert.Equal(t, "198.51.100.23", parsed[0].IP)
}

func TestYAML(t *testing.T) {
	out, _ := capture(t)

	require.NoError(t, YAML(map[string]any{"registration_id": "agent-1", "ok": true}))

	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &parsed))
	assert.Equal(t, "agent-1", parsed["registration_id"])
	assert.Equal(t, true, parsed["ok"])
}

func TestPrint(t *testing.T) {
	data := map[string]string{"k": "v"}
	table := func() *Table {
		tbl := NewTable("KEY", "VALUE")
		tbl.AddRow("k", "v")
		return tbl
	}

	t.Run("table", func(t *testing.T) {
		out, _ := capture(t)
		require.NoError(t, Print(FormatTable, data, table))
		assert.Contains(t, out.String(), "KEY")
	})

	t.Run("json", func(t *testing.T) {
		out, _ := capture(t)
		require.NoError(t, Print(FormatJSON, data, table))
		assert.JSONEq(t, `{"k":"v"}`, out.String())
	})

	t.Run("unknown", func(t *testing.T) {
		capture(t)
		assert.Error(t, Print("xml", data, table))
	})
}

func TestTable_Render(t *testing.T) {
	out, _ := capture(t)

	tbl := NewTable("IP", "CHAIN")
	tbl.AddRow("198.51.100.23", "INPUT")
	tbl.AddRow("2001:db8::1", "EDAMAME")
	assert.Equal(t, 2, tbl.Len())
	tbl.Render()

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "IP             CHAIN    ", lines[0])
	assert.Equal(t, "-------------  -------  ", lines[1])
	assert.Equal(t, "198.51.100.23  INPUT    ", lines[2])
	assert.Equal(t, "2001:db8::1    EDAMAME  ", lines[3])
}
