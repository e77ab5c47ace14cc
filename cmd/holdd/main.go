// Command holdd is the work-queue broker's entry point: it parses CLI
// flags (spec.md §6), optionally layers a YAML config file over them,
// locks and replays the WAL directory, and serves the wire protocol until
// a signal tells it to stop.
//
// Grounded on original_source/main.c's boot sequence (optparse, socket
// bind, prot_init, signal handlers, srv_acquire_wal, srvserve) and
// _examples/thrasher-corp-gocryptotrader's urfave/cli/v2 command idiom.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/nullbound/holdd/internal/config"
	"github.com/nullbound/holdd/internal/job"
	"github.com/nullbound/holdd/internal/logging"
	"github.com/nullbound/holdd/internal/metrics"
	"github.com/nullbound/holdd/internal/server"
	"github.com/nullbound/holdd/internal/tube"
	"github.com/nullbound/holdd/internal/wal"
)

// version is overridden at link time (-ldflags "-X main.version=...");
// `-v` prints whatever is baked in, matching original_source/main.c's
// compiled-in VERSION string.
var version = "dev"

func main() {
	app := &cli.App{
		Name:  "holdd",
		Usage: "a simple, fast work queue",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "wal-dir", Aliases: []string{"b"}, Usage: "enable the write-ahead log at this directory"},
			&cli.DurationFlag{Name: "fsync-interval", Aliases: []string{"f"}, Value: wal.DefaultSyncRate, Usage: "fsync at most this often"},
			&cli.BoolFlag{Name: "no-fsync", Aliases: []string{"F"}, Usage: "never fsync (fastest, least durable)"},
			&cli.StringFlag{Name: "listen-addr", Aliases: []string{"l"}, Value: "127.0.0.1", Usage: "address to listen on"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: 11300, Usage: "port to listen on"},
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "user to run as after binding (documented no-op, see DESIGN.md)"},
			&cli.IntFlag{Name: "max-job-size", Aliases: []string{"z"}, Usage: "max job body size in bytes (0 = unlimited)"},
			&cli.IntFlag{Name: "segment-size", Aliases: []string{"s"}, Value: wal.DefaultFilesize, Usage: "WAL segment size in bytes"},
			&cli.BoolFlag{Name: "native-prealloc", Aliases: []string{"c"}, Usage: "preallocate WAL segments with truncate instead of writing zero pages"},
			&cli.BoolFlag{Name: "classic-prealloc", Aliases: []string{"n"}, Usage: "preallocate WAL segments by writing zero pages (default)"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"V"}, Usage: "enable debug logging"},
			&cli.StringFlag{Name: "config", Usage: "path to an optional YAML config file (additive; flags win)"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "address to serve Prometheus /metrics on (empty disables)"},
			&cli.BoolFlag{Name: "version", Aliases: []string{"v"}, Usage: "print the version and exit"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "holdd: "+err.Error())
		if exit, ok := err.(*config.ExitError); ok {
			os.Exit(exit.Code)
		}
		os.Exit(111)
	}
}

func run(c *cli.Context) error {
	if c.Bool("version") {
		fmt.Println("holdd " + version)
		return nil
	}

	cfg := config.Default()
	cfg.ListenAddr = c.String("listen-addr")
	cfg.ListenPort = c.Int("port")
	cfg.WALDir = c.String("wal-dir")
	cfg.SyncRate = c.Duration("fsync-interval")
	cfg.NoSync = c.Bool("no-fsync")
	cfg.User = c.String("user")
	cfg.MaxJobSize = c.Int("max-job-size")
	cfg.SegmentSize = c.Int("segment-size")
	cfg.Verbose = c.Bool("verbose")
	cfg.MetricsAddr = c.String("metrics-addr")
	if c.Bool("native-prealloc") {
		cfg.PreallocMode = wal.PreallocNative
	}

	if err := config.LoadFile(&cfg, c.String("config")); err != nil {
		return config.NewExitError(111, err)
	}
	// Flags always win over the file, even flags left at their zero value
	// on the command line, so re-apply anything the user actually passed.
	if c.IsSet("listen-addr") {
		cfg.ListenAddr = c.String("listen-addr")
	}
	if c.IsSet("port") {
		cfg.ListenPort = c.Int("port")
	}
	if c.IsSet("wal-dir") {
		cfg.WALDir = c.String("wal-dir")
	}
	if c.IsSet("max-job-size") {
		cfg.MaxJobSize = c.Int("max-job-size")
	}

	if err := config.Validate(cfg); err != nil {
		return err
	}

	log, err := logging.New(cfg.Verbose)
	if err != nil {
		return config.NewExitError(111, fmt.Errorf("logger init: %w", err))
	}
	defer log.Sync()

	if cfg.Verbose {
		log.Info("starting", zap.Int("pid", os.Getpid()), zap.String("version", version))
	}

	if cfg.User != "" {
		log.Warn("user-switching is out of scope for this build; -u ignored", zap.String("user", cfg.User))
	}

	var w *wal.Manager
	if cfg.WALDir != "" {
		if err := wal.DirLock(cfg.WALDir); err != nil {
			return config.NewExitError(10, fmt.Errorf("wal dir lock: %w", err))
		}
		w = wal.NewManager(cfg.WALDir, cfg.SegmentSize, !cfg.NoSync, cfg.SyncRate, cfg.PreallocMode)
	} else {
		w = wal.NewManager("", 0, false, 0, cfg.PreallocMode)
	}

	store, tubes, err := recoverState(w, log)
	if err != nil {
		return config.NewExitError(111, fmt.Errorf("wal replay: %w", err))
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return config.NewExitError(111, fmt.Errorf("listen: %w", err))
	}

	met := metrics.New()
	srv := server.New(server.Config{MaxJobSize: cfg.MaxJobSize}, store, tubes, w, log, met)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := met.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	go handleSignals(ctx, cancel, srv, log)

	log.Info("listening", zap.String("addr", cfg.Addr()))
	return srv.Serve(ctx, ln)
}

// recoverState replays the WAL (a no-op leaving an empty store/tube map
// when the WAL is disabled) into the store/tube-registry pair server.New
// expects, per spec.md §4.E/F's crash-recovery round trip.
func recoverState(w *wal.Manager, log *zap.Logger) (*job.Store, map[string]*tube.Tube, error) {
	tubes := make(map[string]*tube.Tube)
	if !w.Enabled() {
		return nil, tubes, nil
	}
	store, err := server.Replay(w, tubes)
	if err != nil {
		log.Warn("wal replay reported errors; continuing with partial recovery", zap.Error(err))
	}
	return store, tubes, nil
}

// handleSignals mirrors original_source/main.c's set_sig_handlers: SIGUSR1
// toggles drain mode, SIGINT/SIGTERM begin a graceful shutdown. Running
// with pid 1 (e.g. under Docker with no init) exits immediately on
// SIGTERM instead of waiting for the graceful drain, matching
// handle_sigterm_pid1's documented workaround for issue #527.
func handleSignals(ctx context.Context, cancel context.CancelFunc, srv *server.Server, log *zap.Logger) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	pid1 := os.Getpid() == 1
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				srv.Drain()
				log.Info("drain mode toggled via SIGUSR1")
			case syscall.SIGTERM:
				if pid1 {
					log.Info("pid 1 received SIGTERM; exiting immediately")
					os.Exit(143)
				}
				log.Info("shutting down")
				cancel()
				return
			case syscall.SIGINT:
				log.Info("shutting down")
				cancel()
				return
			}
		}
	}
}
