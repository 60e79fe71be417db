package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"bumpcast/internal/app"
	"bumpcast/internal/campaign"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	var (
		cfgPath string
		runID   int64
	)
	flag.StringVar(&cfgPath, "config", envOr("BUMPCAST_CONFIG", "./config.yaml"), "path to config (yaml or json)")
	flag.Int64Var(&runID, "run", 0, "run one campaign in the foreground and exit when it ends")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdog(ctx)

	reason := app.StopSignal
	exit := 0
	if runID > 0 {
		reason, exit = runOnce(ctx, a, runID)
	} else {
		select {
		case <-ctx.Done():
		case <-a.Done():
			reason = app.StopFatalError
			exit = 1
		}
	}
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		exit = 1
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	os.Exit(exit)
}

// runOnce blocks on one campaign run. A signal stops the run; the engine
// drains it during app shutdown.
func runOnce(ctx context.Context, a *app.App, id int64) (app.StopReason, int) {
	done := make(chan error, 1)
	go func() { done <- a.Engine().Run(ctx, id) }()
	select {
	case err := <-done:
		if err != nil {
			fmt.Fprintln(os.Stderr, "run:", err)
			return app.StopRunDone, 1
		}
		p := a.Engine().Progress(id)
		fmt.Printf("campaign %d finished: sent=%d failed=%d skipped=%d cycle=%d\n", id, p.Sent, p.Failed, p.Skipped, p.Cycle)
		return app.StopRunDone, 0
	case <-ctx.Done():
		if err := a.Engine().Stop(id); err != nil && !errors.Is(err, campaign.ErrNotRunning) {
			fmt.Fprintln(os.Stderr, "stop:", err)
		}
		return app.StopSignal, 0
	}
}

// watchdog pings systemd at half the configured interval.
func watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
