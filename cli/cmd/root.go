package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/edamame-systems/edamame-stack/cli/internal/client"
	"github.com/edamame-systems/edamame-stack/cli/internal/config"
	"github.com/edamame-systems/edamame-stack/cli/pkg/output"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "edactl",
	Short: "Edamame collector CLI",
	Long: `edactl talks to an Edamame collector over the agent protocol.

Check connectivity, register as a test agent, replay nginx log files,
generate attack traffic and inspect pending block requests.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		output.Error("%v", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: $HOME/.edamame/edactl.yaml)")
	pf.String("profile", "", "profile to use (default: current profile)")
	pf.String("output", output.FormatTable, "output format: table, json, yaml")
	pf.String("collector", "", "collector address host:port, overrides the profile")
	pf.String("api-key", "", "API key, overrides the profile")
	pf.String("agent-name", "", "agent name sent on AUTH and REGISTER, overrides the profile")
	pf.Duration("timeout", 0, "connect and round-trip timeout, overrides the profile")

	rootCmd.AddCommand(testCmd, registerCmd, sendCmd, seedCmd, blocksCmd, profileCmd)
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.Default()
	}
}

// clientOptions resolves the profile and applies flag overrides.
func clientOptions(cmd *cobra.Command) client.Options {
	name, _ := cmd.Flags().GetString("profile")
	p := cfg.Resolve(name)

	opts := client.Options{Addr: p.Collector, APIKey: p.APIKey, AgentName: p.AgentName, Timeout: p.Timeout}
	if v, _ := cmd.Flags().GetString("collector"); v != "" {
		opts.Addr = v
	}
	if v, _ := cmd.Flags().GetString("api-key"); v != "" {
		opts.APIKey = v
	}
	if v, _ := cmd.Flags().GetString("agent-name"); v != "" {
		opts.AgentName = v
	}
	if v, _ := cmd.Flags().GetDuration("timeout"); v > 0 {
		opts.Timeout = v
	}
	return opts
}

func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return f
}

// session opens an authenticated, registered session.
func session(ctx context.Context, cmd *cobra.Command) (*client.Session, error) {
	opts := clientOptions(cmd)
	s, err := client.Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	if _, err := s.Register(registrationInfo(opts, nil)); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, 5*time.Minute)
}
