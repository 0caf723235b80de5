package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "acp-agent",
		Short: "Agent Client Protocol runtime agent",
		Long: `acp-agent answers the Agent Client Protocol's JSON-RPC methods
(initialize, new_session, load_session, prompt, cancel, set_session_mode)
over stdio or HTTP, bridging permission requests back to the connected
client and streaming session/update notifications as a turn progresses.`,
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the agent version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "acp-agent %s\n", Version)
			return nil
		},
	})

	return root
}
