package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coffersTech/crashcat/internal/engine"
	"github.com/coffersTech/crashcat/internal/frame"
	"github.com/coffersTech/crashcat/internal/registry"
	"github.com/coffersTech/crashcat/internal/render"
	"github.com/coffersTech/crashcat/internal/server"
	"github.com/coffersTech/crashcat/internal/settings"
	"github.com/coffersTech/crashcat/internal/source"
	"github.com/coffersTech/crashcat/internal/storage"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	dataDir         string
	stateDir        string
	addr            string
	sourceKind      string
	input           string
	format          string
	codec           string
	logLevel        string
	token           string
	procRoot        string
	anrTraces       string
	headerVariant   string
	refreshInterval time.Duration
	flushInterval   time.Duration
	purgeInterval   time.Duration
	recordExisting  bool
	killStale       bool
}

func parseFlags(args []string) (options, error) {
	var o options
	flagSet := pflag.NewFlagSet("crashcat", pflag.ContinueOnError)
	flagSet.StringVar(&o.dataDir, "data", "data/logs", "directory for recorded logs")
	flagSet.StringVar(&o.stateDir, "state", "data/state", "directory for settings and statistics")
	flagSet.StringVar(&o.addr, "addr", ":8088", "HTTP listen address")
	flagSet.StringVar(&o.sourceKind, "source", source.KindLogcat, "log source: logcat or file")
	flagSet.StringVar(&o.input, "input", "", "binary log file for --source=file (- for stdin)")
	flagSet.StringVar(&o.format, "format", "html", "log format: html or text")
	flagSet.StringVar(&o.codec, "codec", string(storage.CodecGzip), "log compression: gzip or zstd")
	flagSet.StringVar(&o.logLevel, "log-level", "info", "debug, info, warn or error")
	flagSet.StringVar(&o.token, "token", "", "set the control token (empty keeps the stored one)")
	flagSet.StringVar(&o.procRoot, "proc", "/proc", "procfs mount to read processes from")
	flagSet.StringVar(&o.anrTraces, "anr-traces", engine.DefaultAnrTraces, "stack trace dump written on ANR")
	flagSet.StringVar(&o.headerVariant, "header-variant", "auto", "frame header: auto, v1 or declared")
	flagSet.DurationVar(&o.refreshInterval, "refresh-interval", 30*time.Second, "process table refresh period (0 disables)")
	flagSet.DurationVar(&o.flushInterval, "flush-interval", 5*time.Second, "session flush period (0 disables)")
	flagSet.DurationVar(&o.purgeInterval, "purge-interval", time.Hour, "retention purge period (0 disables)")
	flagSet.BoolVar(&o.recordExisting, "record-existing", false, "record matching processes already running at start")
	flagSet.BoolVar(&o.killStale, "kill-stale", false, "interrupt leftover logcat processes before starting")

	if err := flagSet.Parse(args); err != nil {
		return o, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return o, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return o, nil
}

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func run() error {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(o.logLevel)})))

	codec, err := storage.ParseCodec(o.codec)
	if err != nil {
		return err
	}
	renderer, err := render.New(o.format)
	if err != nil {
		return err
	}
	variant, err := frame.ParseHeaderVariant(o.headerVariant)
	if err != nil {
		return err
	}

	cfg := settings.NewStore(filepath.Join(o.stateDir, "settings.toml"))
	if err := cfg.Load(); err != nil {
		return err
	}
	if o.token != "" {
		if err := cfg.SetToken(o.token); err != nil {
			return fmt.Errorf("set token: %w", err)
		}
	}

	storageOpts := storage.Options{Dir: o.dataDir, Ext: renderer.Ext(), Codec: codec}
	broker := registry.NewCountBroker()
	reg := registry.NewStore(registry.Options{
		Proc:    registry.ProcFS{Root: o.procRoot},
		Storage: storageOpts,
		OnEvict: func(w io.Writer) { _ = renderer.Footer(w) },
		Broker:  broker,
	})

	stats := engine.LoadStats(o.stateDir)
	d := engine.NewDispatcher(engine.Deps{
		Registry:  reg,
		Settings:  cfg,
		Renderer:  renderer,
		Stats:     stats,
		Storage:   storageOpts,
		AnrTraces: o.anrTraces,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := reg.Refresh(ctx); err != nil {
		slog.Warn("Initial process refresh failed", slog.Any("error", err))
	}
	if o.recordExisting {
		slog.Info("Recording running processes", slog.Int("started", d.RecordExisting()))
	}
	if o.refreshInterval > 0 {
		reg.StartRefreshLoop(ctx, o.refreshInterval)
	}

	logcat := source.DefaultLogcat()
	logcat.KillStale = o.killStale
	src, err := source.Open(ctx, o.sourceKind, o.input, logcat)
	if err != nil {
		return err
	}

	srv := server.NewServer(server.Options{
		Dispatcher: d,
		Registry:   reg,
		Settings:   cfg,
		DataDir:    o.dataDir,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		reader := frame.NewReader(bufio.NewReaderSize(src, 64*1024), frame.WithHeaderVariant(variant))
		err := d.Run(gctx, reader)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return fmt.Errorf("capture: %w", err)
		case o.sourceKind == source.KindFile:
			slog.Info("Replay finished, still serving")
			return nil
		default:
			return errors.New("log source ended")
		}
	})
	g.Go(func() error {
		return srv.Start(o.addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := src.Close(); err != nil {
			slog.Debug("Closing log source", slog.Any("error", err))
		}
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		stats.RunRate(gctx)
		return nil
	})
	if o.flushInterval > 0 {
		g.Go(func() error {
			d.RunFlusher(gctx, o.flushInterval)
			return nil
		})
	}
	if o.purgeInterval > 0 {
		g.Go(func() error {
			d.RunCleaner(gctx, o.purgeInterval)
			return nil
		})
	}

	counts, unsubscribe := broker.Subscribe()
	g.Go(func() error {
		defer unsubscribe()
		for {
			select {
			case n := <-counts:
				slog.Info("Recording sessions", slog.Int("count", n))
			case <-gctx.Done():
				return nil
			}
		}
	})

	err = g.Wait()
	slog.Info("Shutting down")

	d.CloseAll()
	if saveErr := d.SaveStats(); saveErr != nil {
		slog.Warn("Failed to save stats", slog.Any("error", saveErr))
	}
	slog.Info("crashcat exited")
	return err
}
