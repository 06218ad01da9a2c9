package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edamame-systems/edamame-stack/cli/internal/config"
	"github.com/edamame-systems/edamame-stack/cli/pkg/output"
)

const (
	accessLine = `198.51.100.23 - - [10/Jul/2025:02:29:57 +0900] "GET /vuln?id=1 HTTP/1.1" 403 153 "-" "curl/8.0"`
	modsecLine = `2025/07/10 02:29:57 [error] 812#812: *9 [client 198.51.100.23] ModSecurity: Access denied with code 403 (phase 2). ` +
		`[id "942100"] [msg "SQL Injection Attack Detected"] [severity "CRITICAL"] [uri "/vuln"], client: 198.51.100.23, server: shop`
	noiseLine = `2025/07/10 02:30:00 [error] 812#812: *10 open() "/usr/share/nginx/html/favicon.ico" failed (2: No such file or directory), client: 203.0.113.7`
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	oldOut, oldErr, oldNoColor := output.Stdout, output.Stderr, color.NoColor
	output.Stdout, output.Stderr, color.NoColor = &out, &out, true
	t.Cleanup(func() {
		output.Stdout, output.Stderr, color.NoColor = oldOut, oldErr, oldNoColor
	})

	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCommandsRegistered(t *testing.T) {
	expected := map[string]bool{
		"test": false, "register": false, "send": false,
		"seed": false, "blocks": false, "profile": false,
	}
	for _, c := range rootCmd.Commands() {
		name := strings.Fields(c.Use)[0]
		if _, ok := expected[name]; ok {
			expected[name] = true
		}
	}
	for name, found := range expected {
		assert.True(t, found, "command %q should be registered", name)
	}
}

func TestProfileSubcommands(t *testing.T) {
	var names []string
	for _, c := range profileCmd.Commands() {
		names = append(names, strings.Fields(c.Use)[0])
	}
	assert.ElementsMatch(t, []string{"list", "set", "use", "remove"}, names)
}

func TestProfileSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edactl.yaml")

	out, err := execute(t, "--config", path, "profile", "set", "lab",
		"--collector", "10.0.0.5:2591", "--api-key", "lab-key", "--agent-name", "edactl-lab")
	require.NoError(t, err)
	assert.Contains(t, out, "Profile 'lab' saved")

	saved, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "lab", saved.CurrentProfile)
	p, err := saved.GetProfile("lab")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:2591", p.Collector)
	assert.Equal(t, "lab-key", p.APIKey)
	assert.Equal(t, "edactl-lab", p.AgentName)
}

func TestConverter(t *testing.T) {
	dir := t.TempDir()
	accessPath := filepath.Join(dir, "access.log")
	errorPath := filepath.Join(dir, "error.log")
	require.NoError(t, os.WriteFile(accessPath, []byte(accessLine+"\n\nnot a log line\n"), 0o644))
	require.NoError(t, os.WriteFile(errorPath, []byte(noiseLine+"\n"+modsecLine+"\n"), 0o644))

	conv := newConverter("shop")

	access, err := conv.file(accessPath)
	require.NoError(t, err)
	require.Len(t, access, 1)
	assert.Equal(t, "/vuln?id=1", access[0].FullURL)
	assert.Equal(t, 403, access[0].StatusCode)
	assert.Equal(t, "shop", access[0].ServerName)

	errs, err := conv.file(errorPath)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, modsecLine, errs[0].RawLogLine)

	assert.Equal(t, 2, conv.skipped)

	_, err = conv.file(filepath.Join(dir, "missing.log"))
	assert.Error(t, err)
}

func TestWriteSeedFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	out, err := execute(t, "seed", "--count", "20", "--attack-ratio", "0.5", "--seed", "9", "--out-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote")

	access, err := os.ReadFile(filepath.Join(dir, "access.log"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(access)), "\n"), 20)

	errLog, err := os.ReadFile(filepath.Join(dir, "error.log"))
	require.NoError(t, err)
	for _, l := range strings.Split(strings.TrimSpace(string(errLog)), "\n") {
		if l == "" {
			continue
		}
		assert.Contains(t, l, "ModSecurity: Access denied")
	}
}

func TestSeed_RejectsBadRatio(t *testing.T) {
	_, err := execute(t, "seed", "--attack-ratio", "2", "--out-dir", t.TempDir())
	assert.Error(t, err)
	// reset for later tests sharing the command
	require.NoError(t, seedCmd.Flags().Set("attack-ratio", "0.1"))
}
