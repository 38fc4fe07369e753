package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "genomesync",
	Short: "Stage the NCBI genomes assemblies missing from a local mirror",
	Long: `genomesync fetches the assembly summaries, finds every assembly directory the
local mirror lacks and downloads exactly those into the staging root.

Promote the staged bulk tree into the live mirror before the staged index.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			logLevel.Set(slog.LevelDebug)
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		diagnostics.SetInterval(cfg.ProgressEvery)

		transport, err := openTransport(cfg)
		if err != nil {
			return err
		}
		defer transport.Close()

		return NewSyncer(cfg, afero.NewOsFs(), transport, diagnostics).Run(cmd.Context())
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Rebuild the filter list from the staged index without transferring",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		diagnostics.SetInterval(cfg.ProgressEvery)

		stats, err := NewSyncer(cfg, afero.NewOsFs(), nil, diagnostics).Scan(cmd.Context())
		if err != nil {
			return err
		}
		if stats.Missing > 0 {
			slog.Info("run genomesync to download the missing entries", "missing", stats.Missing)
		}
		return nil
	},
}

var (
	// diagnostics is the shared stderr stream for progress markers and log lines.
	diagnostics = NewProgress(os.Stderr, defaultProgressEvery)
	logLevel    = new(slog.LevelVar)
)

func init() {
	addFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(scanCmd)
}

func addFlags(flags *pflag.FlagSet) {
	flags.SortFlags = false
	flags.StringP("config", "c", "", "config file (yaml, json or toml)")
	flags.String("remote", defaultRemoteRoot, "remote archive root (rsync://, ftp:// or sftp://)")
	flags.String("local", defaultLocalRoot, "live local mirror root")
	flags.String("staging", defaultStagingRoot, "staging root for downloads")
	flags.Duration("timeout", 0, "limit for each transfer, 0 for none")
	flags.Bool("strict", false, "abort on index addresses outside the archive prefix")
	flags.BoolP("verbose", "v", false, "debug logging")
}

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(diagnostics, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.DateTime,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("sync failed", "error", err)
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config read '%s': %w", path, err)
		}
	}

	_ = v.BindPFlag("remote_root", cmd.Flags().Lookup("remote"))
	_ = v.BindPFlag("local_root", cmd.Flags().Lookup("local"))
	_ = v.BindPFlag("staging_root", cmd.Flags().Lookup("staging"))
	_ = v.BindPFlag("transfer_timeout", cmd.Flags().Lookup("timeout"))
	_ = v.BindPFlag("strict_addresses", cmd.Flags().Lookup("strict"))

	v.SetEnvPrefix("GENOMESYNC")
	v.AutomaticEnv()

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Debug("config", "remote", cfg.RemoteRoot, "local", cfg.LocalRoot, "staging", cfg.StagingRoot)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("remote_root", d.RemoteRoot)
	v.SetDefault("archive_prefix", d.ArchivePrefix)
	v.SetDefault("local_root", d.LocalRoot)
	v.SetDefault("staging_root", d.StagingRoot)
	v.SetDefault("index_subtree", d.IndexSubtree)
	v.SetDefault("bulk_subtree", d.BulkSubtree)
	v.SetDefault("summary_prefix", d.SummaryPrefix)
	v.SetDefault("filter_file", d.FilterFile)
	v.SetDefault("address_field", d.AddressField)
	v.SetDefault("progress_every", d.ProgressEvery)
	v.SetDefault("transfer_timeout", d.TransferTimeout)
	v.SetDefault("rsync_path", d.RsyncPath)
	v.SetDefault("strict_addresses", d.StrictAddresses)
}
