package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/eringen/mediaserve"
	"github.com/eringen/mediaserve/logger"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "mediaserve",
		Short:         "Media storage service with on-demand derivatives",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c",
		mediaserve.EnvOr("MEDIASERVE_CONFIG", mediaserve.DefaultConfigPath), "path to the TOML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newAssetsCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print the mediaserve version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "mediaserve %s\n", version)
			},
		},
	)
	return root
}

func loadConfig(path string) (mediaserve.Config, error) {
	cfg, err := mediaserve.LoadConfig(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			log := logger.Init(cfg.Log.Level, cfg.Log.Format)

			app, err := mediaserve.New(cfg, mediaserve.WithLogger(log))
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- app.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
			defer cancel()
			if err := app.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return <-errCh
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func newAssetsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "assets [collection]",
		Short: "List indexed uploads, optionally for one collection",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.IndexPath == "-" {
				return fmt.Errorf("asset index is disabled")
			}
			store, err := mediaserve.NewStore(cfg.IndexPath)
			if err != nil {
				return err
			}
			defer store.Close()

			var collection string
			if len(args) == 1 {
				collection = args[0]
			}
			assets, err := store.ListAssets(collection)
			if err != nil {
				return err
			}
			return printAssets(cmd.OutOrStdout(), assets)
		},
	}
}

func printAssets(w io.Writer, assets []mediaserve.Asset) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tKIND\tSIZE\tASPECT\tORIGINAL\tCREATED")
	for _, a := range assets {
		aspect := "-"
		if a.AspectRatio != nil {
			aspect = strconv.FormatFloat(*a.AspectRatio, 'f', 3, 64)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			a.URLPath(), a.Kind, a.SizeBytes, aspect, a.OriginalName, a.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}
