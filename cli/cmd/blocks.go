package cmd

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/edamame-systems/edamame-stack/cli/internal/client"
	"github.com/edamame-systems/edamame-stack/cli/pkg/output"
	"github.com/edamame-systems/edamame-stack/common/protocol"
)

var blocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "Poll pending block requests",
	Long: `Send BLOCK_REQUEST and list what the collector hands out.

Polling consumes the requests: an agent will not receive them afterwards.
Without --registration-id a fresh registration is used, which normally has
nothing pending.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		regID, _ := cmd.Flags().GetString("registration-id")

		var (
			s   *client.Session
			err error
		)
		if regID != "" {
			s, err = client.Open(ctx, clientOptions(cmd))
		} else {
			s, err = session(ctx, cmd)
		}
		if err != nil {
			return err
		}
		defer s.Close()

		reqs, err := s.BlockRequests(regID)
		if err != nil {
			return err
		}
		if reqs == nil {
			reqs = []protocol.BlockRequestItem{}
		}

		if f := outputFormat(cmd); f == output.FormatTable && len(reqs) == 0 {
			output.Info("No pending block requests")
			return nil
		}
		return output.Print(outputFormat(cmd), reqs, func() *output.Table {
			t := output.NewTable("ID", "IP", "CHAIN", "DURATION", "REASON")
			for _, r := range reqs {
				t.AddRow(r.ID, r.IPAddress, r.ChainName, strconv.Itoa(r.Duration)+"s", r.Reason)
			}
			return t
		})
	},
}

func init() {
	blocksCmd.Flags().String("registration-id", "", "poll on behalf of this registration")
}
