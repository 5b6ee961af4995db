package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openbib/recsync/pkg/recsync/config"
	"github.com/openbib/recsync/pkg/recsync/pipeline"
	"github.com/openbib/recsync/pkg/recsync/solr"
	"github.com/openbib/recsync/pkg/recsync/store/sqlite"
)

var (
	configPath string
	verbose    bool

	fromDate string
	sourceID string
	singleID string
	noCommit bool
	doDelete bool
)

var rootCmd = &cobra.Command{
	Use:          "recsync",
	Short:        "Synchronize the search index with the record store",
	SilenceUsage: true,
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Index individual records per data source",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDriver(func(ctx context.Context, d *pipeline.Driver) error {
			return d.UpdateIndividualRecords(ctx, fromDate, sourceID, singleID, noCommit)
		})
	},
}

var mergedCmd = &cobra.Command{
	Use:   "merged",
	Short: "Index dedup groups, merged documents and residual records",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDriver(func(ctx context.Context, d *pipeline.Driver) error {
			return d.UpdateMergedRecords(ctx, fromDate, sourceID, singleID, noCommit, doDelete)
		})
	},
}

var deleteSourceCmd = &cobra.Command{
	Use:   "delete-source <source>",
	Short: "Remove every indexed document of a data source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDriver(func(ctx context.Context, d *pipeline.Driver) error {
			return d.DeleteDataSource(ctx, args[0])
		})
	},
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Optimize the search index",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDriver(func(ctx context.Context, d *pipeline.Driver) error {
			return d.OptimizeIndex(ctx)
		})
	},
}

var countCmd = &cobra.Command{
	Use:   "count <source> <field>",
	Short: "Tally the values of a projected field across a source",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDriver(func(ctx context.Context, d *pipeline.Driver) error {
			return d.CountValues(ctx, args[0], args[1])
		})
	},
}

func withDriver(fn func(context.Context, *pipeline.Driver) error) error {
	if configPath == "" {
		return fmt.Errorf("--config required")
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := sqlite.OpenSQLite(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer st.Close()

	client := solr.New(solr.Options{
		UpdateURL:        cfg.Solr.UpdateURL,
		Username:         cfg.Solr.Username,
		Password:         cfg.Solr.Password,
		Timeout:          time.Duration(cfg.Solr.Timeout) * time.Second,
		Background:       cfg.Solr.BackgroundUpdate,
		DisableCertCheck: cfg.Solr.DisableCertCheck,
		Logger:           logger,
	})

	driver := pipeline.New(pipeline.Options{
		Config: cfg,
		Store:  st,
		Client: client,
		Logger: logger,
	})

	return fn(ctx, driver)
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (required)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Debug logging")

	for _, cmd := range []*cobra.Command{recordsCmd, mergedCmd} {
		cmd.Flags().StringVar(&fromDate, "from", "", "Index records updated at or after this date")
		cmd.Flags().StringVar(&sourceID, "source", "", "Restrict to one data source")
		cmd.Flags().StringVar(&singleID, "single", "", "Index a single record id")
		cmd.Flags().BoolVar(&noCommit, "no-commit", false, "Skip commits")
	}
	mergedCmd.Flags().BoolVar(&doDelete, "delete", false, "Remove the selected source's records from merged groups")

	rootCmd.AddCommand(recordsCmd, mergedCmd, deleteSourceCmd, optimizeCmd, countCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
