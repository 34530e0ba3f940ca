package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/watersir/logfs/internal/cli/output"
	"github.com/watersir/logfs/pkg/layout"
)

var statusAll bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-segment utilization of an image",
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

		geo := fs.Geometry()
		sit := fs.SIT()
		dirty := fs.Dirty()

		table := output.NewTableData("SEGNO", "KIND", "VALID", "UTIL%", "MTIME", "STATE")
		var totalValid, totalSegs uint32

		dirty.Lock()
		for segno := layout.Segno(0); uint32(segno) < geo.MainSegs; segno++ {
			ent := sit.SegEntry(segno)
			isDirty := dirty.Segmap[layout.Dirty].Test(uint32(segno))
			if !statusAll && ent.ValidBlocks == 0 && !isDirty {
				continue
			}
			kind := "data"
			if ent.IsNode {
				kind = "node"
			}
			state := "clean"
			if isDirty {
				state = "dirty"
			}
			table.AddRow(
				fmt.Sprintf("%d", segno),
				kind,
				fmt.Sprintf("%d", ent.ValidBlocks),
				fmt.Sprintf("%d", ent.ValidBlocks*100/geo.BlocksPerSeg),
				fmt.Sprintf("%d", ent.Mtime),
				state,
			)
			totalValid += ent.ValidBlocks
			totalSegs++
		}
		dirty.Unlock()

		if err := output.PrintTable(os.Stdout, table); err != nil {
			return err
		}

		fmt.Println()
		return output.SimpleTable(os.Stdout, [][2]string{
			{"segments shown", fmt.Sprintf("%d", totalSegs)},
			{"valid blocks", fmt.Sprintf("%d", totalValid)},
			{"free segments", fmt.Sprintf("%d", fs.FreeSegments())},
			{"prefree segments", fmt.Sprintf("%d", fs.PrefreeSegments())},
		})
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "include free segments")
	rootCmd.AddCommand(statusCmd)
}
