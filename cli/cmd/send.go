package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edamame-systems/edamame-stack/cli/internal/client"
	"github.com/edamame-systems/edamame-stack/cli/pkg/output"
	"github.com/edamame-systems/edamame-stack/common/logging"
	"github.com/edamame-systems/edamame-stack/common/logparser"
	"github.com/edamame-systems/edamame-stack/common/models"
	"github.com/edamame-systems/edamame-stack/common/modsec"
)

const defaultBatchSize = 100

var sendCmd = &cobra.Command{
	Use:   "send <file>...",
	Short: "Replay nginx log files to the collector",
	Long: `Read access or error log files and send them as LOG_BATCH frames.

Access lines are parsed locally. ModSecurity lines are sent raw so the
collector can correlate them. Other error-log lines are skipped, the same
way the agent handles them.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		server, _ := cmd.Flags().GetString("server")
		batchSize, _ := cmd.Flags().GetInt("batch-size")

		conv := newConverter(server)
		var entries []models.LogEntry
		for _, path := range args {
			got, err := conv.file(path)
			if err != nil {
				return err
			}
			entries = append(entries, got...)
		}
		if len(entries) == 0 {
			output.Warn("No sendable lines in %s", strings.Join(args, ", "))
			return nil
		}

		s, err := session(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		batches, err := sendBatches(s, entries, batchSize)
		if err != nil {
			return err
		}
		output.Success("Sent %d entries in %d batches (%d lines skipped)", len(entries), batches, conv.skipped)
		return nil
	},
}

func init() {
	sendCmd.Flags().String("server", "localhost", "server name to attach to every entry")
	sendCmd.Flags().Int("batch-size", defaultBatchSize, "entries per LOG_BATCH")
}

func sendBatches(s *client.Session, entries []models.LogEntry, size int) (int, error) {
	if size <= 0 {
		size = defaultBatchSize
	}
	n := 0
	for start := 0; start < len(entries); start += size {
		end := min(start+size, len(entries))
		if err := s.SendBatch(entries[start:end]); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// converter turns raw lines into entries.
type converter struct {
	server  string
	parser  *logparser.Parser
	skipped int
}

func newConverter(server string) *converter {
	return &converter{server: server, parser: logparser.New(logging.Discard())}
}

func (c *converter) file(path string) ([]models.LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	abs, _ := filepath.Abs(path)
	errorLog := strings.Contains(filepath.Base(path), "error.log")

	var out []models.LogEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if e, ok := c.line(abs, errorLog, sc.Text()); ok {
			out = append(out, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return out, nil
}

func (c *converter) line(path string, errorLog bool, text string) (models.LogEntry, bool) {
	text = strings.TrimRight(text, "\r\n")
	if strings.TrimSpace(text) == "" {
		return models.LogEntry{}, false
	}
	if modsec.IsAlert(text) {
		return models.LogEntry{ServerName: c.server, SourcePath: path, RawLogLine: text}, true
	}
	if errorLog {
		c.skipped++
		return models.LogEntry{}, false
	}
	e, ok := c.parser.Parse(text)
	if !ok {
		c.skipped++
		return models.LogEntry{}, false
	}
	e.ServerName = c.server
	e.SourcePath = path
	return e, true
}
