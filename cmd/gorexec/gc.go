package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/colinrgodsey/gorexec/pkg/janitor"
	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Evict the least recently used entries of the disk cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.DiskCache.Dir == "" {
			return errors.New("disk_cache.dir is not configured")
		}
		slog.Info("cleaning disk cache", "dir", cfg.DiskCache.Dir, "max_size_gb", cfg.DiskCache.MaxSizeGB)
		st, err := janitor.NewJanitor(cfg.DiskCache).Cleanup()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d files, %d bytes in cache; evicted %d files, %d bytes\n", st.Files, st.Size, st.Removed, st.Freed)
		return nil
	},
}
