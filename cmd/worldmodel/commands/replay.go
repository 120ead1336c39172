package commands

import (
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/banshee-data/worldmodel/internal/db"
	"github.com/banshee-data/worldmodel/internal/ingest"
	"github.com/banshee-data/worldmodel/internal/network"
	"github.com/banshee-data/worldmodel/internal/tf"
	"github.com/banshee-data/worldmodel/internal/timeutil"
	"github.com/banshee-data/worldmodel/internal/visualization"
	"github.com/banshee-data/worldmodel/internal/worldmodel"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type replayOptions struct {
	pcapFile string
	udpPort  int
	speed    float64
	dbPath   string
	plotDir  string
}

func newReplayCommand(opts *globalOptions) *cobra.Command {
	ro := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay --pcap FILE",
		Short: "Replay captured UDP percepts into a fresh model",
		Long: `Replay the UDP percept datagrams of a packet capture through the tracker
and print the resulting model. Verification and obstacle ranging are not
used. With --db the model is also persisted; with --plot a PNG and an HTML
chart are written to the given directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			buffer := tf.NewBuffer(tf.BufferConfig{
				CacheTime:   cfg.GetTransformCacheTime(),
				WaitTimeout: cfg.GetTransformTimeout(),
			})
			if err := buffer.Apply(cfg.StaticTransformMessage()); err != nil {
				return fmt.Errorf("invalid static transforms: %w", err)
			}

			deps := worldmodel.Dependencies{Transformer: buffer, Clock: timeutil.RealClock{}}
			if ro.dbPath != "" {
				database, err := db.NewDB(ro.dbPath)
				if err != nil {
					return err
				}
				defer database.Close()
				deps.Publisher = db.NewObjectStore(database, cfg.GetRecordHistory())
			}
			tracker := worldmodel.NewTracker(cfg.ToTrackerConfig(), nil, deps)
			d := &ingest.Dispatcher{
				Source:     "PCAP",
				Tracker:    tracker,
				Buffer:     buffer,
				PoseFrames: cfg.GetPoseFrames(),
			}

			res, err := network.ReplayPCAPFile(ctx, ro.pcapFile, d, network.ReplayConfig{
				UDPPort:         ro.udpPort,
				SpeedMultiplier: ro.speed,
			})
			if err != nil {
				return err
			}
			objects := tracker.GetObjectModel()
			printReplaySummary(cmd.OutOrStdout(), res, d.Stats(), objects)

			if ro.plotDir != "" {
				name := strings.TrimSuffix(filepath.Base(ro.pcapFile), filepath.Ext(ro.pcapFile))
				title := "Replay of " + filepath.Base(ro.pcapFile)
				png, err := visualization.SavePNG(ro.plotDir, name, objects, visualization.PlotOptions{Title: title})
				if err != nil {
					return err
				}
				html, err := visualization.SaveHTML(ro.plotDir, name, objects, visualization.ChartOptions{Title: title})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s and %s\n", png, html)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ro.pcapFile, "pcap", "", "Packet capture to replay (required)")
	cmd.Flags().IntVar(&ro.udpPort, "port", 0, "Only replay datagrams sent to this UDP port (0 for all)")
	cmd.Flags().Float64Var(&ro.speed, "speed", 0, "Replay speed relative to capture time (0 for as fast as possible)")
	cmd.Flags().StringVar(&ro.dbPath, "db", "", "Persist the replayed model to this SQLite database")
	cmd.Flags().StringVar(&ro.plotDir, "plot", "", "Write a PNG plot and HTML chart of the final model to this directory")
	_ = cmd.MarkFlagRequired("pcap")
	return cmd
}

func printReplaySummary(w io.Writer, res network.ReplayResult, st ingest.Stats, objects []worldmodel.Object) {
	bold := color.New(color.Bold)
	bold.Fprintln(w, "Replay")
	fmt.Fprintf(w, "  packets    %d\n", res.Packets)
	fmt.Fprintf(w, "  dispatched %d\n", res.Dispatched)
	fmt.Fprintf(w, "  rejected   %d\n", res.Rejected)
	fmt.Fprintf(w, "  handled    %d (dropped %d, failed %d)\n", st.Handled, st.Dropped, st.Failed)

	bold.Fprintf(w, "Objects (%d)\n", len(objects))
	for _, obj := range objects {
		p := obj.Pose.Position
		fmt.Fprintf(w, "  %-16s %-12s %-10s support %-6.2f (%.2f, %.2f, %.2f)\n",
			obj.Info.ObjectID, obj.Info.ClassID, obj.State, obj.Info.Support, p.X, p.Y, p.Z)
	}
}
