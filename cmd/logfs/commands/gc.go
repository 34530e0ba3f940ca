package commands

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/watersir/logfs/internal/logger"
	"github.com/watersir/logfs/pkg/gc"
	"github.com/watersir/logfs/pkg/metrics"
)

var (
	gcSync bool
	gcLoop time.Duration
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage-collect an image",
	Long: `Load the image, run the collector, and persist the result.

By default one synchronous foreground pass runs. With --loop the
background pacing worker runs for the given duration instead, collecting
opportunistically the way a mounted filesystem would.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := requireImage()
		if err != nil {
			return err
		}

		fs, store, err := loadFS(path, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		mgr := gc.BuildManager(fs, gc.Config{
			MinSleep:        cfg.GC.MinSleep,
			MaxSleep:        cfg.GC.MaxSleep,
			NoGCSleep:       cfg.GC.NoGCSleep,
			GCIdle:          cfg.GC.GCIdle,
			MaxVictimSearch: cfg.GC.MaxVictimSearch,
		}, metrics.NewGCMetrics())

		start := time.Now()
		freedBefore := fs.FreeSegments()

		if gcLoop > 0 {
			if err := mgr.Start(); err != nil {
				return err
			}
			select {
			case <-time.After(gcLoop):
			case <-cmd.Context().Done():
			}
			mgr.Stop()
		} else {
			err := mgr.Run(cmd.Context(), gcSync)
			switch {
			case errors.Is(err, gc.ErrNoVictim):
				logger.Info("nothing to collect", logger.KeyImage, path)
			case errors.Is(err, gc.ErrAgain):
				logger.Info("victims processed but no section freed", logger.KeyImage, path)
			case err != nil:
				return err
			}
		}

		if err := fs.WriteCheckpoint(cmd.Context()); err != nil {
			return err
		}
		if err := store.SaveImage(fs.Export()); err != nil {
			return err
		}

		logger.Info("gc finished",
			logger.KeyImage, path,
			logger.KeyFreeSegs, fs.FreeSegments(),
			"freed_segs", fs.FreeSegments()-freedBefore,
			logger.KeyDuration, logger.Duration(start),
		)
		return nil
	},
}

func init() {
	gcCmd.Flags().BoolVar(&gcSync, "sync", true, "run one synchronous foreground pass")
	gcCmd.Flags().DurationVar(&gcLoop, "loop", 0, "run the background worker for this duration instead")
	rootCmd.AddCommand(gcCmd)
}
