// Package main implements the localsync daemon: it captures mutations of a
// local PostgreSQL store and keeps them in sync with an etcd backend.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cybertec-postgresql/localsync/internal/config"
	"github.com/cybertec-postgresql/localsync/internal/log"
	"github.com/cybertec-postgresql/localsync/internal/model"
	"github.com/cybertec-postgresql/localsync/internal/provider"
	etcdprovider "github.com/cybertec-postgresql/localsync/internal/provider/etcd"
	"github.com/cybertec-postgresql/localsync/internal/provider/memory"
	"github.com/cybertec-postgresql/localsync/internal/signals"
	"github.com/cybertec-postgresql/localsync/internal/store"
	"github.com/cybertec-postgresql/localsync/internal/store/pgstore"
	"github.com/cybertec-postgresql/localsync/internal/sync"
)

// memoryDSN selects the in-process store
const memoryDSN = "memory"

// Config holds the application configuration
type Config struct {
	StoreDSN    string `short:"s" env:"LOCALSYNC_STORE_DSN" long:"store-dsn" description:"PostgreSQL connection string of the local store, or 'memory'" default:"memory"`
	EtcdDSN     string `short:"e" env:"LOCALSYNC_ETCD_DSN" long:"etcd-dsn" description:"etcd connection string; empty uses an in-process backend"`
	DeviceID    string `short:"d" env:"LOCALSYNC_DEVICE_ID" long:"device-id" description:"Device id; defaults to the one persisted in the store"`
	ConfigFile  string `short:"c" env:"LOCALSYNC_CONFIG" long:"config" description:"YAML file with engine tunables and topics"`
	LogLevel    string `short:"l" env:"LOCALSYNC_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	LogJSON     bool   `long:"log-json" description:"Log as JSON"`
	LogFile     string `env:"LOCALSYNC_LOG_FILE" long:"log-file" description:"Also write logs to this file, rotated by size"`
	LogMaxSize  int    `long:"log-max-size" description:"Rotate the log file after this many megabytes" default:"50"`
	SignalsAddr string `env:"LOCALSYNC_SIGNALS_ADDR" long:"signals-addr" description:"Serve the signal stream and status on this address, e.g. :8089"`
	Resync      bool   `long:"resync" description:"Run a full rescan before starting"`
	Version     bool   `short:"v" long:"version" description:"Show version information"`
	Help        bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	return
}

// ShowVersion prints version information
func ShowVersion() {
	fmt.Printf("localsync version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output. The
// returned closer releases the log file, if any.
func SetupLogging(cfg *Config) (io.Closer, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(cfg.LogJSON))
	logrus.SetReportCaller(false)

	var closer io.Closer = io.NopCloser(nil)
	if cfg.LogFile != "" {
		file := log.RotatingFile(cfg.LogFile, cfg.LogMaxSize)
		logrus.SetOutput(io.MultiWriter(os.Stderr, file))
		closer = file
	}

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("localsync logging initialized")
	return closer, nil
}

// SetupCloseHandler cancels the context once the OS asks the process to stop
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

// openStore returns the local store and, for PostgreSQL, the stream of
// mutations reported by its triggers
func openStore(ctx context.Context, dsn string) (store.Store, <-chan model.MutationEvent, error) {
	if dsn == "" || dsn == memoryDSN {
		logrus.Warn("Using in-memory store, local data is lost on exit")
		return store.NewMemory(), nil, nil
	}
	st, err := pgstore.Open(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	events, err := st.Listen(ctx)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return st, events, nil
}

// openProvider connects to the sync backend. Without a DSN an in-process
// backend is used, which is only useful for trying things out.
func openProvider(ctx context.Context, dsn string) (provider.Provider, provider.DeviceRegistry, error) {
	if dsn == "" {
		logrus.Warn("No etcd DSN given, using in-process backend")
		return memory.New(), memory.NewRegistry(), nil
	}
	p, err := etcdprovider.Open(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return p, p.NewRegistry(), nil
}

// newMux exposes the signal stream and the engine status over HTTP
func newMux(engine *sync.Engine) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/signals", signals.Handler(engine.Bus()))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status, err := engine.Status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}

func serve(ctx context.Context, g *errgroup.Group, addr string, handler http.Handler) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		logrus.WithField("addr", addr).Info("Serving signal stream")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("signal server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func run(ctx context.Context, cfg *Config) error {
	file, err := config.Load(cfg.ConfigFile)
	if err != nil {
		return err
	}
	topics, err := file.Adapters()
	if err != nil {
		return err
	}

	st, events, err := openStore(ctx, cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	prov, registry, err := openProvider(ctx, cfg.EtcdDSN)
	if err != nil {
		return fmt.Errorf("failed to open sync backend: %w", err)
	}
	defer prov.Dispose()

	engine, err := sync.New(ctx, sync.Options{
		Store:    st,
		Provider: prov,
		Registry: registry,
		Topics:   topics,
		Config:   file.EngineConfig(),
		DeviceID: cfg.DeviceID,
		Bus:      signals.NewBus(),
	})
	if err != nil {
		return err
	}

	if cfg.Resync {
		if err := engine.Resync(ctx); err != nil {
			logrus.WithError(err).Warn("Initial resync failed, continuing with local data")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Start(gctx) })
	if events != nil {
		g.Go(func() error { return engine.Capture().Consume(gctx, events) })
	}
	if cfg.SignalsAddr != "" {
		serve(gctx, g, cfg.SignalsAddr, newMux(engine))
	}
	return g.Wait()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	cfg, err := ParseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	closer, err := SetupLogging(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	if err := run(ctx, cfg); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("Synchronization failed")
	}
	logrus.Info("Graceful shutdown completed")
}
