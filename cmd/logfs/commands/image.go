package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/watersir/logfs/internal/logger"
	"github.com/watersir/logfs/pkg/config"
	"github.com/watersir/logfs/pkg/layout"
	"github.com/watersir/logfs/pkg/memfs"
	"github.com/watersir/logfs/pkg/store/meta"
)

var (
	seedFiles      int
	seedOverwrites int
)

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Manage filesystem images",
}

var imageInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a demo image",
	Long: `Create a filesystem image with a mix of files at varying
utilization, so the collector has realistic victims to work on. Some
blocks of each file are overwritten after creation, leaving invalid
blocks behind in their original segments.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := requireImage()
		if err != nil {
			return err
		}

		fs, err := newFS(cfg)
		if err != nil {
			return err
		}

		blocksPerFile := uint64(cfg.Image.BlocksPerSeg) * 2
		for n := 0; n < seedFiles; n++ {
			ino, err := fs.CreateFile(blocksPerFile, memfs.FileOpts{})
			if err != nil {
				return fmt.Errorf("seeding file %d: %w", n, err)
			}
			// overwrite blocks spread evenly over the file, leaving
			// their old copies invalid
			for o := 0; o < seedOverwrites; o++ {
				bidx := uint64(o) * blocksPerFile / uint64(seedOverwrites+1)
				if err := fs.OverwriteBlock(ino, bidx); err != nil {
					return fmt.Errorf("overwriting block %d of inode %d: %w", bidx, ino, err)
				}
			}
		}
		if err := fs.SealLogs(); err != nil {
			return err
		}
		if err := fs.WriteCheckpoint(cmd.Context()); err != nil {
			return err
		}

		store, err := meta.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if err := store.SaveImage(fs.Export()); err != nil {
			return err
		}

		logger.Info("image created",
			logger.KeyImage, path,
			"files", seedFiles,
			logger.KeyFreeSegs, fs.FreeSegments(),
		)
		return nil
	},
}

func init() {
	imageInitCmd.Flags().IntVar(&seedFiles, "files", 4, "number of files to seed")
	imageInitCmd.Flags().IntVar(&seedOverwrites, "overwrites", 64, "blocks overwritten per file")
	imageCmd.AddCommand(imageInitCmd)
	rootCmd.AddCommand(imageCmd)
}

// newFS creates an empty filesystem from the configured geometry.
func newFS(cfg *config.Config) (*memfs.FS, error) {
	geo := layout.Geometry{
		BlocksPerSeg: cfg.Image.BlocksPerSeg,
		SegsPerSec:   cfg.Image.SegsPerSec,
		MainSegs:     cfg.Image.MainSegs,
	}
	return memfs.New(geo, fsOptions(cfg))
}

func fsOptions(cfg *config.Config) memfs.Options {
	return memfs.Options{
		ReservedSecs:       cfg.Image.ReservedSecs,
		InvalidBlockThresh: cfg.Image.InvalidBlockThresh,
		CanRemap:           cfg.Image.CanRemap,
		DeviceID:           cfg.Image.Path,
	}
}

// loadFS loads the configured image into a filesystem instance.
func loadFS(path string, cfg *config.Config) (*memfs.FS, *meta.Store, error) {
	store, err := meta.Open(path)
	if err != nil {
		return nil, nil, err
	}
	img, err := store.LoadImage()
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	fs, err := memfs.FromImage(img, fsOptions(cfg))
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return fs, store, nil
}
