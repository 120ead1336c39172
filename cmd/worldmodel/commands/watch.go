package commands

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/banshee-data/worldmodel/internal/stream"
	"github.com/banshee-data/worldmodel/internal/watch"
	"github.com/spf13/cobra"
)

func newWatchCommand(opts *globalOptions) *cobra.Command {
	var (
		addr     string
		jsonMode bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live object model of a running server",
		Long: `Connect to the gRPC stream of a running server and show the model as it
changes. On a terminal this is an interactive table (q quits, d toggles
discarded objects); otherwise, or with --json, every update is printed as
one JSON line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := opts.loadConfig(cmd)
				if err != nil {
					return err
				}
				addr = cfg.GetGRPCListen()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := stream.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			if jsonMode || !isTerminal() {
				enc := json.NewEncoder(cmd.OutOrStdout())
				err := client.StreamUpdates(ctx, func(u stream.Update) error {
					return enc.Encode(u)
				})
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			return watch.Run(ctx, client, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address of the server (default grpc_listen from the config)")
	cmd.Flags().BoolVar(&jsonMode, "json", false, "Print updates as JSON lines instead of the table")
	return cmd
}
