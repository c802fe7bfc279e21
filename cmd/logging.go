package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

const (
	infoLogFile  = "info.log"
	debugLogFile = "debug.log"
)

// fanoutHandler sends each record to every handler that accepts its level.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: hs}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &fanoutHandler{handlers: hs}
}

// elapsedHandler stamps records with the seconds since start.
type elapsedHandler struct {
	slog.Handler
	start time.Time
}

func (e *elapsedHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("elapsed", fmt.Sprintf("%.3fs", r.Time.Sub(e.start).Seconds())))
	return e.Handler.Handle(ctx, r)
}

func (e *elapsedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &elapsedHandler{Handler: e.Handler.WithAttrs(attrs), start: e.start}
}

func (e *elapsedHandler) WithGroup(name string) slog.Handler {
	return &elapsedHandler{Handler: e.Handler.WithGroup(name), start: e.start}
}

// logFiles are closed by Execute once the command returns.
var logFiles []io.Closer

// setupLogging configures slog from the -v and -q counts. The console only
// shows warnings (errors with -q); -v adds info.log and -vv adds debug.log in
// the working directory.
func setupLogging(verbose, quiet int, console io.Writer) error {
	closeLogFiles()

	consoleLevel := slog.LevelWarn
	if quiet > 0 {
		consoleLevel = slog.LevelError
	}
	handlers := []slog.Handler{
		slog.NewTextHandler(console, &slog.HandlerOptions{Level: consoleLevel}),
	}

	start := time.Now()
	addFile := func(name string, level slog.Level) error {
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logFiles = append(logFiles, f)
		handlers = append(handlers, &elapsedHandler{
			Handler: slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}),
			start:   start,
		})
		return nil
	}

	if verbose >= 2 {
		if err := addFile(debugLogFile, slog.LevelDebug); err != nil {
			return err
		}
	}
	if verbose >= 1 {
		if err := addFile(infoLogFile, slog.LevelInfo); err != nil {
			return err
		}
	}

	slog.SetDefault(slog.New(&fanoutHandler{handlers: handlers}))
	slog.Debug("Logging configured", "verbose", verbose, "quiet", quiet)
	return nil
}

func closeLogFiles() {
	for _, f := range logFiles {
		f.Close()
	}
	logFiles = nil
}
