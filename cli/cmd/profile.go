package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/edamame-systems/edamame-stack/cli/internal/config"
	"github.com/edamame-systems/edamame-stack/cli/pkg/output"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage collector profiles",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		names := make([]string, 0, len(cfg.Profiles))
		for name := range cfg.Profiles {
			names = append(names, name)
		}
		sort.Strings(names)

		type row struct {
			Name      string `json:"name" yaml:"name"`
			Collector string `json:"collector" yaml:"collector"`
			AgentName string `json:"agent_name" yaml:"agent_name"`
			Current   bool   `json:"current" yaml:"current"`
		}
		rows := make([]row, 0, len(names))
		for _, name := range names {
			p := cfg.Profiles[name]
			rows = append(rows, row{name, p.Collector, p.AgentName, name == cfg.CurrentProfile})
		}

		return output.Print(outputFormat(cmd), rows, func() *output.Table {
			t := output.NewTable("", "NAME", "COLLECTOR", "AGENT")
			for _, r := range rows {
				mark := ""
				if r.Current {
					mark = "*"
				}
				t.AddRow(mark, r.Name, r.Collector, r.AgentName)
			}
			return t
		})
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Create or update a profile and make it current",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		p := config.DefaultProfile()
		if existing, ok := cfg.Profiles[name]; ok {
			cp := *existing
			p = &cp
		}

		flags := cmd.Flags()
		if flags.Changed("collector") {
			p.Collector, _ = flags.GetString("collector")
		}
		if flags.Changed("api-key") {
			p.APIKey, _ = flags.GetString("api-key")
		}
		if flags.Changed("agent-name") {
			p.AgentName, _ = flags.GetString("agent-name")
		}
		if flags.Changed("timeout") {
			p.Timeout, _ = flags.GetDuration("timeout")
		}

		if err := cfg.SaveProfile(name, p); err != nil {
			return fmt.Errorf("failed to save profile: %w", err)
		}
		output.Success("Profile '%s' saved to %s", name, cfg.Path())
		return nil
	},
}

var profileUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Switch the current profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := cfg.GetProfile(args[0]); err != nil {
			return err
		}
		cfg.CurrentProfile = args[0]
		if err := cfg.Save(); err != nil {
			return err
		}
		output.Success("Now using profile '%s'", args[0])
		return nil
	},
}

var profileRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Delete a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RemoveProfile(args[0]); err != nil {
			return err
		}
		output.Success("Removed profile '%s'", args[0])
		return nil
	},
}

func init() {
	profileCmd.AddCommand(profileListCmd, profileSetCmd, profileUseCmd, profileRemoveCmd)
}
