package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/edamame-systems/edamame-stack/cli/internal/seeder"
	"github.com/edamame-systems/edamame-stack/cli/pkg/output"
	"github.com/edamame-systems/edamame-stack/common/models"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate fake nginx traffic",
	Long: `Generate access lines and ModSecurity-blocked attacks.

Each attack produces a ModSecurity error line and the matching 403 access
line, which the collector should correlate into one attack record.

Examples:
  # Send 500 requests, 10% attacks
  edactl seed --count 500 --attack-ratio 0.1

  # Write log files instead of sending
  edactl seed --count 1000 --out-dir ./logs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		ratio, _ := cmd.Flags().GetFloat64("attack-ratio")
		spread, _ := cmd.Flags().GetDuration("spread")
		seed, _ := cmd.Flags().GetInt64("seed")
		server, _ := cmd.Flags().GetString("server")
		outDir, _ := cmd.Flags().GetString("out-dir")
		batchSize, _ := cmd.Flags().GetInt("batch-size")

		if count <= 0 {
			return fmt.Errorf("count must be positive")
		}
		if ratio < 0 || ratio > 1 {
			return fmt.Errorf("attack-ratio must be between 0 and 1")
		}
		if seed == 0 {
			seed = time.Now().UnixNano()
		}

		lines := seeder.New(seeder.Config{Server: server, AttackRatio: ratio, Spread: spread, Seed: seed}).Generate(count)

		if outDir != "" {
			access, errors, err := writeSeedFiles(outDir, lines)
			if err != nil {
				return err
			}
			output.Success("Wrote %d access and %d error lines to %s", access, errors, outDir)
			return nil
		}

		conv := newConverter(server)
		entries := make([]models.LogEntry, 0, len(lines))
		for _, l := range lines {
			path := "/var/log/nginx/access.log"
			if l.ErrorLog {
				path = "/var/log/nginx/error.log"
			}
			if e, ok := conv.line(path, l.ErrorLog, l.Text); ok {
				entries = append(entries, e)
			}
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()
		s, err := session(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		batches, err := sendBatches(s, entries, batchSize)
		if err != nil {
			return err
		}
		output.Success("Sent %d entries in %d batches (seed %d)", len(entries), batches, seed)
		return nil
	},
}

func init() {
	f := seedCmd.Flags()
	f.Int("count", 100, "number of requests to generate")
	f.Float64("attack-ratio", 0.1, "share of requests that are blocked attacks, 0 to 1")
	f.Duration("spread", 0, "spread timestamps over this window ending now")
	f.Int64("seed", 0, "random seed (default: time based)")
	f.String("server", "localhost", "nginx server name")
	f.String("out-dir", "", "write access.log and error.log here instead of sending")
	f.Int("batch-size", defaultBatchSize, "entries per LOG_BATCH")
}

func writeSeedFiles(dir string, lines []seeder.Line) (access, errors int, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, 0, err
	}
	accessFile, err := os.OpenFile(filepath.Join(dir, "access.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, 0, err
	}
	defer accessFile.Close()
	errorFile, err := os.OpenFile(filepath.Join(dir, "error.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, 0, err
	}
	defer errorFile.Close()

	for _, l := range lines {
		f := accessFile
		if l.ErrorLog {
			f = errorFile
			errors++
		} else {
			access++
		}
		if _, err := fmt.Fprintln(f, l.Text); err != nil {
			return access, errors, err
		}
	}
	return access, errors, nil
}
