package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/cbtkit/cbt/control"
	"github.com/joshuapare/cbtkit/pkg/types"
)

func init() {
	rootCmd.AddCommand(newBitmapCmd())
}

type bitmapOptions struct {
	offset uint64
	length uint64
	out    string
}

func newBitmapCmd() *cobra.Command {
	var opts bitmapOptions
	cmd := &cobra.Command{
		Use:   "bitmap <major:minor>",
		Short: "Read the published change map of a captured volume",
		Long: `The bitmap command reads the change map published by the last snapshot.
Each byte stands for one tracking block and holds the generation that last
wrote it; zero means unchanged.

Without --out the changed blocks are printed as runs.

Example:
  cbtctl bitmap 8:1
  cbtctl bitmap 8:1 --out map.bin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBitmap(args, opts)
		},
	}
	cmd.Flags().Uint64Var(&opts.offset, "offset", 0, "First block to read")
	cmd.Flags().Uint64Var(&opts.length, "length", 0, "Number of blocks to read (0: to the end)")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "Write the raw map to this file")
	return cmd
}

// blockRun is a run of consecutive blocks written in one generation.
type blockRun struct {
	Start      uint64 `json:"start"`
	Count      uint64 `json:"count"`
	Generation uint8  `json:"generation"`
}

func runBitmap(args []string, opts bitmapOptions) error {
	id, err := types.ParseVolumeID(args[0])
	if err != nil {
		return err
	}
	return withClient(func(ctx context.Context, c *control.Client) error {
		length := opts.length
		if length == 0 {
			length = ^uint64(0) - opts.offset
		}
		data, err := c.ReadBitmap(ctx, id, opts.offset, length)
		if err != nil {
			return err
		}
		printVerbose("Read %d blocks of %s\n", len(data), id)

		if opts.out != "" {
			if err := os.WriteFile(opts.out, data, 0o644); err != nil {
				return err
			}
			printInfo("Wrote %d blocks to %s\n", len(data), opts.out)
			return nil
		}

		runs := changedRuns(data, opts.offset)
		if jsonOut {
			return printJSON(struct {
				Volume types.VolumeID `json:"volume"`
				Blocks int            `json:"blocks"`
				Runs   []blockRun     `json:"runs"`
			}{id, len(data), runs})
		}
		var changed uint64
		for _, r := range runs {
			changed += r.Count
			printInfo("  %d-%d: generation %d\n", r.Start, r.Start+r.Count-1, r.Generation)
		}
		printInfo("%s: %d of %d blocks changed\n", id, changed, len(data))
		return nil
	})
}

// changedRuns collapses the non-zero entries of data into runs. base is
// the block number of data[0].
func changedRuns(data []byte, base uint64) []blockRun {
	runs := []blockRun{}
	for i := 0; i < len(data); {
		if data[i] == 0 {
			i++
			continue
		}
		j := i + 1
		for j < len(data) && data[j] == data[i] {
			j++
		}
		runs = append(runs, blockRun{Start: base + uint64(i), Count: uint64(j - i), Generation: data[i]})
		i = j
	}
	return runs
}
