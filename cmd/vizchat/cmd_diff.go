package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/user/vizchat/internal/diff"
	"github.com/user/vizchat/internal/types"
)

var diffStat bool

func init() {
	diffCmd.Flags().BoolVar(&diffStat, "stat", false, "print only a summary")
	rootCmd.AddCommand(diffCmd)
}

var diffCmd = &cobra.Command{
	Use:   "diff <beforeDir> <afterDir>",
	Short: "Diff two directory trees the way generations are diffed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		before, err := readTree(args[0])
		if err != nil {
			return err
		}
		after, err := readTree(args[1])
		if err != nil {
			return err
		}

		fd := diff.DiffFiles(diff.Snapshot(before), diff.Snapshot(after))
		if diffStat {
			files, added, removed := diff.Stats(fd)
			fmt.Fprintf(os.Stdout, "%d files changed, %d insertions(+), %d deletions(-)\n", files, added, removed)
			return nil
		}
		fmt.Fprint(os.Stdout, diff.ToUnifiedDiff(fd))
		return nil
	},
}

// readTree loads every file under root, keyed by its slash-separated
// relative path, which doubles as the file id.
func readTree(root string) (types.FileCollection, error) {
	files := make(types.FileCollection)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			files[types.FileID(rel)] = types.Dir(rel)
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[types.FileID(rel)] = types.TextFile(rel, string(data))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}
	return files, nil
}
