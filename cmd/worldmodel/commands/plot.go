package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/worldmodel/internal/stream"
	"github.com/banshee-data/worldmodel/internal/visualization"
	"github.com/spf13/cobra"
)

func newPlotCommand(opts *globalOptions) *cobra.Command {
	var (
		addr      string
		outDir    string
		name      string
		discarded bool
	)
	cmd := &cobra.Command{
		Use:   "plot",
		Short: "Save a plot of the current model of a running server",
		Long: `Fetch the object model over gRPC and write a PNG plot with covariance
ellipses and an interactive HTML chart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := opts.loadConfig(cmd)
				if err != nil {
					return err
				}
				addr = cfg.GetGRPCListen()
			}
			client, err := stream.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			objects, err := client.GetObjectModel(ctx)
			if err != nil {
				return fmt.Errorf("failed to fetch the object model from %s: %w", addr, err)
			}

			if name == "" {
				name = "worldmodel-" + time.Now().Format("20060102-150405")
			}
			png, err := visualization.SavePNG(outDir, name, objects, visualization.PlotOptions{IncludeDiscarded: discarded})
			if err != nil {
				return err
			}
			html, err := visualization.SaveHTML(outDir, name, objects, visualization.ChartOptions{IncludeDiscarded: discarded})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Plotted %d objects to %s and %s\n", len(objects), png, html)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address of the server (default grpc_listen from the config)")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Output directory")
	cmd.Flags().StringVar(&name, "name", "", "Base file name (default worldmodel-<timestamp>)")
	cmd.Flags().BoolVar(&discarded, "discarded", false, "Include discarded objects")
	return cmd
}
