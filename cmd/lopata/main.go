package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lopata-dev/lopata"
)

// main runs the emulator around a placeholder worker, which is enough
// to exercise the scheduled trigger and inspection endpoints against a
// project config. Real applications embed the runtime and pass their
// own handlers.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "lopata:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := lopata.LoadServerConfig()
	if err != nil {
		return err
	}
	log := lopata.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	worker := &lopata.Worker{
		Fetch: func(ctx context.Context, req *http.Request, env *lopata.Env) (*http.Response, error) {
			body := "lopata dev server: no application worker is loaded\n"
			return &http.Response{
				StatusCode:    http.StatusNotFound,
				Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
				Body:          io.NopCloser(strings.NewReader(body)),
				ContentLength: int64(len(body)),
				Request:       req,
			}, nil
		},
		Scheduled: func(ctx context.Context, event *lopata.ScheduledEvent, env *lopata.Env) error {
			return nil
		},
	}

	rt, err := lopata.NewRuntime(cfg, worker, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rt.Start(ctx); err != nil {
		return err
	}

	srv := lopata.NewServer(rt, cfg, log)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	return srv.Shutdown(context.Background())
}
