// Command cxdbd runs the CXDB server: the binary protocol listener and
// the HTTP read API, sharing one storage engine in a single process
// (spec.md §5). Grounded in the teacher's cmd/beenet entrypoint shape,
// replacing its stub command switch with a real cobra CLI as used
// elsewhere in the retrieved corpus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/anansitrading/cxdb/internal/config"
	"github.com/anansitrading/cxdb/internal/dag"
	"github.com/anansitrading/cxdb/internal/httpapi"
	"github.com/anansitrading/cxdb/internal/metrics"
	"github.com/anansitrading/cxdb/internal/protoserver"
	"github.com/anansitrading/cxdb/internal/registry"
	"github.com/anansitrading/cxdb/internal/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cxdbd",
		Short: "cxdbd runs the CXDB append-only conversation store",
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("cxdbd %s (%s)\n", version, commit)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the binary protocol server and the HTTP read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	return cmd
}

func runServe() error {
	cfg := config.FromEnv()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.NewConsoleWriter()).Level(level).With().Timestamp().Logger()

	log.Info().
		Str("data_dir", cfg.DataDir).
		Str("binary_addr", cfg.BinaryAddr).
		Str("http_addr", cfg.HTTPAddr).
		Msg("starting cxdbd")

	blobs, err := store.OpenBlobStore(cfg.DataDir+"/blobs", cfg.ZstdLevel, cfg.MaxBlobBytes, log)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}
	defer blobs.Close()

	turns, err := store.OpenTurnLog(cfg.DataDir+"/turns", log)
	if err != nil {
		var truncated *store.ErrTruncatedLog
		if isTruncatedLog(err, &truncated) {
			log.Error().Int64("offset", truncated.Offset).Msg("turn log is truncated; refusing to start")
		}
		return fmt.Errorf("opening turn log: %w", err)
	}
	defer turns.Close()

	heads, err := store.OpenHeadTable(cfg.DataDir+"/heads", log)
	if err != nil {
		return fmt.Errorf("opening head table: %w", err)
	}
	defer heads.Close()

	idemp, err := store.OpenIdempotencyStore(cfg.DataDir+"/idemp", cfg.IdempotencyTTL, log)
	if err != nil {
		return fmt.Errorf("opening idempotency store: %w", err)
	}
	defer idemp.Close()

	engine := dag.NewEngine(blobs, turns, heads, idemp, log)
	reg := registry.NewRegistry(blobs, log)
	m := metrics.New()

	binServer := protoserver.New(engine, m, cfg.MaxInFlight, cfg.RequestTimeout, log)
	httpServer := httpapi.New(engine, reg, m, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("received shutdown signal")
		cancel()
		_ = binServer.Close()
		_ = httpServer.Close()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return binServer.Serve(ctx, cfg.BinaryAddr)
	})
	g.Go(func() error {
		return httpServer.Serve(cfg.HTTPAddr)
	})

	return g.Wait()
}

func isTruncatedLog(err error, target **store.ErrTruncatedLog) bool {
	te, ok := err.(*store.ErrTruncatedLog)
	if ok {
		*target = te
	}
	return ok
}
