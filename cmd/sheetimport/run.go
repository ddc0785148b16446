package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sheetimport/internal/core"
	"github.com/JonMunkholm/sheetimport/internal/mapping"
	"github.com/JonMunkholm/sheetimport/internal/sheet"
)

type runOptions struct {
	Mapping string
	File    string
	DryRun  bool
	NoLog   bool
	Quiet   bool
}

func newRunCmd() *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Import one file and print the run result as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.Run(cmd)
		},
	}
	cmd.Flags().StringVar(&o.Mapping, "mapping", "", "mapping file, or the ID of a mapping in MAPPINGS_DIR")
	cmd.Flags().StringVar(&o.File, "file", "", "CSV or XLSX file to import")
	cmd.Flags().BoolVar(&o.DryRun, "dry-run", false, "validate and resolve every row, then roll back")
	cmd.Flags().BoolVar(&o.NoLog, "no-log", false, "do not record the run in the import log tables")
	cmd.Flags().BoolVarP(&o.Quiet, "quiet", "q", false, "do not print progress")
	_ = cmd.MarkFlagRequired("mapping")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (o *runOptions) Run(cmd *cobra.Command) error {
	cfg, cleanup, err := loadConfig()
	if err != nil {
		return err
	}
	defer cleanup()

	mc, err := resolveMapping(o.Mapping, cfg.Mappings.Dir)
	if err != nil {
		return err
	}

	src, err := sheet.Open(o.File)
	if err != nil {
		return fmt.Errorf("%s: %w", core.FormatUserError(err), err)
	}
	defer src.Close()

	ctx := cmd.Context()
	pool, err := openPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	db := core.NewPgxDatabase(pool)
	opts := core.ExecutorOptions{
		BatchSize:           cfg.Import.BatchSize,
		ProgressInterval:    cfg.Import.ProgressInterval,
		ResolverParallelism: cfg.Import.ResolverParallelism,
	}
	if !o.NoLog {
		opts.Sink = core.NewPgLogSink(db)
	}

	req := core.RunRequest{
		Config: mc,
		Source: src,
		DryRun: o.DryRun,
	}
	if !o.Quiet {
		req.Progress = progressPrinter(cmd.ErrOrStderr())
	}

	result, runErr := core.NewExecutor(db, opts).Run(ctx, req)
	if result != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("%s: %w", core.FormatUserError(runErr), runErr)
	}
	return nil
}

// resolveMapping loads ref as a file when it exists, otherwise looks it up
// by ID in dir.
func resolveMapping(ref, dir string) (*mapping.Configuration, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		return mapping.Load(ref)
	}

	reg := mapping.NewRegistry()
	if _, err := reg.LoadDir(dir); err != nil {
		return nil, err
	}
	return reg.Get(ref)
}

func progressPrinter(w io.Writer) core.ProgressFunc {
	return func(p core.Progress) {
		if p.BytesTotal > 0 {
			fmt.Fprintf(w, "%s: %d rows (%d ok, %d failed) %d%%\n",
				p.Status, p.Processed, p.Successful, p.Failed, p.BytesRead*100/p.BytesTotal)
			return
		}
		fmt.Fprintf(w, "%s: %d rows (%d ok, %d failed)\n", p.Status, p.Processed, p.Successful, p.Failed)
	}
}
