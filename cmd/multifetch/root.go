package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/datallboy/multifetch/internal/app"
	"github.com/datallboy/multifetch/internal/engine"
	"github.com/datallboy/multifetch/internal/infra/config"
	"github.com/datallboy/multifetch/internal/infra/logger"
	"github.com/datallboy/multifetch/internal/multi"
	"github.com/datallboy/multifetch/internal/reactor"
	"github.com/datallboy/multifetch/internal/sink"
	"github.com/datallboy/multifetch/internal/store"
)

const (
	// exitSetup is used when the run could not start or the engine broke
	// its contract. Regular exit codes count failed submissions.
	exitSetup       = 126
	exitInterrupted = 130
)

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := 0
	cmd := newRootCmd(stdout, stderr, &code)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "multifetch: %v\n", err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return exitInterrupted
		}
		return exitSetup
	}
	return code
}

func newRootCmd(stdout, stderr io.Writer, code *int) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "multifetch [flags] URL...",
		Short: "Download URLs concurrently on a single event loop",
		Long: "multifetch downloads every URL at once on a single event loop. The last URL\n" +
			"is started first; the Nth URL is written to the Nth destination (1.txt, 2.txt, ...).\n" +
			"The exit code is the number of downloads that could not be started.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			res, err := run(cmd.Context(), cfg, args, stdout, stderr)
			if err != nil {
				return err
			}
			*code = res.ExitCode()
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "path to a YAML config file")
	f.String("out-dir", ".", "directory downloads are written to")
	f.String("bucket", "", "write downloads to this bucket URL instead (file:// or mem://)")
	f.String("log-level", "info", "debug, info, warn or error")
	f.String("log-file", "", "also write the log to this file")
	f.String("history", "", "record runs in this sqlite database")

	return cmd
}

// run builds the components described by cfg and downloads urls.
func run(ctx context.Context, cfg *config.Config, urls []string, stdout, stderr io.Writer) (engine.Result, error) {
	log, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return engine.Result{}, fmt.Errorf("open log: %w", err)
	}
	defer log.Close()

	sinks, closeSinks, err := newOpener(ctx, cfg.Download)
	if err != nil {
		return engine.Result{}, err
	}
	defer func() {
		if err := closeSinks(); err != nil {
			log.Warn("Closing destinations: %v", err)
		}
	}()

	a := app.NewContext(cfg, log, sinks)
	a.Out = stdout

	if cfg.Store.SQLitePath != "" {
		hist, err := store.NewPersistentStore(cfg.Store.SQLitePath)
		if err != nil {
			return engine.Result{}, fmt.Errorf("open history: %w", err)
		}
		defer hist.Close()
		a.History = hist
	}

	loop, err := reactor.New()
	if err != nil {
		return engine.Result{}, fmt.Errorf("create event loop: %w", err)
	}
	defer loop.Close()

	eng := multi.New(multi.Options{
		ConnectTimeout:  cfg.Download.ConnectTimeout,
		TransferTimeout: cfg.Download.TransferTimeout,
		UserAgent:       cfg.Download.UserAgent,
	})

	coord := engine.New(a, eng, loop)
	res, err := coord.Run(ctx, urls)
	if err != nil {
		return res, err
	}

	log.Debug("Run %s finished: %d submitted, %d failed", res.RunID, res.Submitted, res.Failed)
	return res, nil
}

func newLogger(cfg config.LogConfig, stderr io.Writer) (*logger.Logger, error) {
	level := logger.ParseLevel(cfg.Level)
	if cfg.Path == "" {
		return logger.NewWriter(stderr, level), nil
	}
	var echo io.Writer
	if cfg.IncludeStderr {
		echo = stderr
	}
	return logger.New(cfg.Path, level, echo)
}

// newOpener returns the destination opener and the function that releases it.
func newOpener(ctx context.Context, cfg config.DownloadConfig) (sink.Opener, func() error, error) {
	if cfg.BucketURL == "" {
		fo := sink.NewFileOpener(cfg.OutDir)
		return fo, fo.CloseAll, nil
	}

	bo, err := sink.NewBucketOpener(ctx, cfg.BucketURL)
	if err != nil {
		return nil, nil, err
	}
	return bo, bo.Close, nil
}
