package cmd

import (
	"net"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/edamame-systems/edamame-stack/cli/internal/client"
	"github.com/edamame-systems/edamame-stack/cli/pkg/output"
	"github.com/edamame-systems/edamame-stack/common/protocol"
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Check that the collector is reachable",
	Long:  "Open a connection, send CONNECTION_TEST and report the round-trip time. No API key is needed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		opts := clientOptions(cmd)
		rtt, err := client.Test(ctx, opts)
		if err != nil {
			return err
		}

		result := struct {
			Collector string `json:"collector" yaml:"collector"`
			RTTMillis int64  `json:"rtt_ms" yaml:"rtt_ms"`
		}{opts.Addr, rtt.Milliseconds()}

		if f := outputFormat(cmd); f != output.FormatTable {
			return output.Print(f, result, nil)
		}
		output.Success("Collector %s is reachable (%s)", opts.Addr, rtt.Round(100*time.Microsecond))
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register as a test agent",
	Long: `Authenticate, send REGISTER and print the registration id.

The registration lives as long as the connection, so it ends when edactl exits.
Use --unregister to remove it explicitly first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		opts := clientOptions(cmd)
		paths, _ := cmd.Flags().GetStringSlice("log-path")
		unregister, _ := cmd.Flags().GetBool("unregister")

		s, err := client.Open(ctx, opts)
		if err != nil {
			return err
		}
		defer s.Close()

		info := registrationInfo(opts, paths)
		id, err := s.Register(info)
		if err != nil {
			return err
		}
		if unregister {
			if err := s.Unregister(); err != nil {
				return err
			}
		}

		result := struct {
			RegistrationID string `json:"registration_id" yaml:"registration_id"`
			AgentName      string `json:"agent_name" yaml:"agent_name"`
			Hostname       string `json:"hostname" yaml:"hostname"`
			Unregistered   bool   `json:"unregistered" yaml:"unregistered"`
		}{id, info.AgentName, info.Hostname, unregister}

		return output.Print(outputFormat(cmd), result, func() *output.Table {
			t := output.NewTable("REGISTRATION", "AGENT", "HOSTNAME", "UNREGISTERED")
			t.AddRow(id, info.AgentName, info.Hostname, boolString(unregister))
			return t
		})
	},
}

func init() {
	registerCmd.Flags().StringSlice("log-path", nil, "log paths to report in the registration")
	registerCmd.Flags().Bool("unregister", false, "send UNREGISTER before disconnecting")
}

func registrationInfo(opts client.Options, paths []string) protocol.RegistrationInfo {
	host, _ := os.Hostname()
	return protocol.RegistrationInfo{
		AgentName:      opts.AgentName,
		AgentIP:        localIP(opts.Addr),
		Hostname:       host,
		OSName:         runtime.GOOS,
		RuntimeVersion: runtime.Version(),
		NginxLogPaths:  paths,
		AgentVersion:   "edactl/" + rootCmd.Version,
	}
}

// localIP is the source address used to reach the collector.
func localIP(addr string) string {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return a.IP.String()
	}
	return "127.0.0.1"
}

func boolString(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
