package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/joestump/sdrhub/internal/config"
	"github.com/joestump/sdrhub/internal/registry"
	"github.com/joestump/sdrhub/internal/store"
	"github.com/joestump/sdrhub/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sdrhub",
		Short: "Coordination hub for distributed SDR capture nodes",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.String("listen-addr", ":3000", "address the hub binds to")
	f.String("db-path", "sdrhub.db", "path to the SQLite database file")
	f.Uint64("default-freq", 1_000_000, "default capture frequency in Hz")
	f.Uint("default-amp", 1, "default amp setting (0 or 1)")
	f.Uint("default-lna", 0, "default LNA gain (0-40, steps of 8)")
	f.Uint("default-vga", 0, "default VGA gain (0-62, steps of 2)")
	f.Uint64("default-sample-rate", 4_000_000, "default sample rate in samples/sec")

	// Bind flags to viper. Viper keys use underscores (listen_addr) so they
	// match the env var suffix after stripping the SDRHUB_ prefix.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("listen_addr", "listen-addr")
	bindFlag("db_path", "db-path")
	bindFlag("default_freq", "default-freq")
	bindFlag("default_amp", "default-amp")
	bindFlag("default_lna", "default-lna")
	bindFlag("default_vga", "default-vga")
	bindFlag("default_sample_rate", "default-sample-rate")

	viper.SetEnvPrefix("SDRHUB")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	if err := cfg.DefaultNodeConfig.Validate(); err != nil {
		return fmt.Errorf("invalid default node config: %w", err)
	}

	fmt.Printf("sdrhub %s starting\n", config.Version)
	fmt.Printf("  Listen: %s\n", cfg.ListenAddr)
	fmt.Printf("  Database: %s\n", cfg.DBPath)
	fmt.Println()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	reg := registry.New()
	server := web.New(cfg, reg, st)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		log.Printf("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("hub: %w", err)
	}
	return nil
}
