package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mevdschee/batchcopy/batchcopy"
	"github.com/mevdschee/batchcopy/config"
	"github.com/mevdschee/batchcopy/metrics"
	_ "github.com/mevdschee/batchcopy/pgxstore"
	_ "github.com/mevdschee/batchcopy/postgres"
)

// options are the flags shared by every subcommand
type options struct {
	configPath  string
	databaseURL string
	driver      string
	metricsAddr string
	createTable bool
	batchRows   int
	flushMs     int
}

func main() {
	log := batchcopy.Logger()

	if err := newRootCmd(log).Execute(); err != nil {
		log.Error().Err(err).Msg("batchcopy")
		os.Exit(1)
	}
}

func newRootCmd(log zerolog.Logger) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "batchcopy",
		Short:         "Load rows into PostgreSQL in batches with COPY",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	opts.bindFlags(root.PersistentFlags())

	root.AddCommand(newLoadCSVCmd(opts, log), newGenerateCmd(opts, log))
	return root
}

func (o *options) bindFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.configPath, "config", "config.ini", "path to configuration file")
	flags.StringVar(&o.databaseURL, "database-url", "", "PostgreSQL connection URL (overrides config)")
	flags.StringVar(&o.driver, "driver", "", "store driver: "+strings.Join(batchcopy.Drivers(), ", "))
	flags.StringVar(&o.metricsAddr, "metrics", "", "metrics endpoint address, e.g. :9090")
	flags.BoolVar(&o.createTable, "create-table", false, "create the target table if it does not exist")
	flags.IntVar(&o.batchRows, "max-rows-per-batch", 0, "rows per COPY batch (overrides config)")
	flags.IntVar(&o.flushMs, "flush-timer-ms", 0, "flush interval in milliseconds (overrides config)")
}

// handlerConfig loads the config file and applies flags that were set
func (o *options) handlerConfig(flags *pflag.FlagSet) (batchcopy.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}

	if flags.Changed("database-url") {
		cfg.DatabaseURL = o.databaseURL
	}
	if flags.Changed("driver") {
		cfg.Driver = o.driver
	}
	if flags.Changed("max-rows-per-batch") {
		cfg.MaxRowsPerBatch = o.batchRows
	}
	if flags.Changed("flush-timer-ms") {
		cfg.FlushTimerMs = o.flushMs
	}
	return cfg, nil
}

// startMetrics serves /metrics and pprof when an address is set
func (o *options) startMetrics(log zerolog.Logger) {
	if o.metricsAddr == "" {
		return
	}
	metrics.Init()

	go func() {
		http.Handle("/metrics", metrics.Handler())
		log.Info().Str("addr", o.metricsAddr).Msg("metrics endpoint at /metrics")
		if err := http.ListenAndServe(o.metricsAddr, nil); err != nil {
			log.Error().Err(err).Msg("metrics server")
		}
	}()
}

// prepareTable runs ddl when --create-table is set
func (o *options) prepareTable(ctx context.Context, url, ddl string) error {
	if !o.createTable {
		return nil
	}
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// signalContext is canceled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
