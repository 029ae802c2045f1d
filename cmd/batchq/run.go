package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"batchq/internal/app"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the queue with scheduled commands until signalled",
	Long: `Run loads the config, starts the queue, the trigger scheduler and the
config watcher, and blocks until SIGINT or SIGTERM. Under systemd
(Type=notify) it reports readiness, status and watchdog pings.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	if cfgPath == "" {
		return fmt.Errorf("run requires --config")
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	notify(daemon.SdNotifyReady)

	status := time.NewTicker(statusEvery())
	defer status.Stop()

	reason := app.StopUnknown
loop:
	for {
		select {
		case s := <-sigs:
			reason = app.StopSIGINT
			if s == syscall.SIGTERM {
				reason = app.StopSIGTERM
			}
			break loop
		case <-a.Done():
			reason = app.StopFatalError
			break loop
		case <-status.C:
			sctx, scancel := context.WithTimeout(ctx, time.Second)
			notify("STATUS=" + a.Status(sctx))
			scancel()
			notify(daemon.SdNotifyWatchdog)
		}
	}

	notify(daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

// notify is a no-op outside systemd.
func notify(state string) {
	_, _ = daemon.SdNotify(false, state)
}

// statusEvery is half the watchdog interval when one is set.
func statusEvery() time.Duration {
	if d, err := daemon.SdWatchdogEnabled(false); err == nil && d > 0 {
		return d / 2
	}
	return 10 * time.Second
}
