package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chefia/possync/internal/backup"
	"github.com/chefia/possync/internal/broadcast"
	"github.com/chefia/possync/internal/cache"
	"github.com/chefia/possync/internal/connectivity"
	"github.com/chefia/possync/internal/coordinator"
	"github.com/chefia/possync/internal/webhook"
	"github.com/spf13/cobra"
)

var flagProbeInterval time.Duration

var runCmd = &cobra.Command{
	Use:     "run",
	Short:   "Run the sync daemon",
	Long:    `Starts the connectivity monitor, sync coordinator, broadcast channel and backup timers, and runs until interrupted.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		signalSrc := connectivity.NewProbeSignal(a.cfg.GetRemoteURL()+"/healthz", flagProbeInterval)
		monitor := connectivity.NewMonitor(signalSrc, a.bus)

		// Rebuild the cache with a live online gate so misses can fall
		// through to the server, and point the backup service at it.
		a.cache = cache.New(a.store, a.remote, monitor.Online)
		a.backup = backup.New(a.store, a.queue, a.bus, a.cache,
			a.identity.TerminalID, a.cfg.UserID, a.cfg.GetTrackedCollections())

		coord := coordinator.New(a.queue, a.remote, a.store, a.bus, a.cfg.GetSyncInterval())
		coord.SetOnline(ctx, monitor.Online())
		coord.Start(ctx)
		a.queue.OnEnqueue(func() { coord.Trigger(ctx) })

		channel := broadcast.New(a.cfg.GetRelayURL(), a.identity.TerminalID, a.cfg.UserID,
			a.cache, a.store, a.bus, monitor.Online)
		go channel.Run(ctx)

		a.backup.OnRestore(func(ctx context.Context) { coord.Trigger(ctx) })

		monitor.OnChange(func(online bool) {
			coord.SetOnline(ctx, online)
			if online {
				channel.Nudge()
				return
			}
			// Offline transition: snapshot immediately while state is
			// quiescent.
			if _, err := a.backup.CreateBackup(ctx); err != nil {
				slog.Error("offline snapshot failed", "err", err)
			}
		})

		if a.cfg.Webhook != nil && a.cfg.Webhook.URL != "" {
			webhook.New(a.cfg.Webhook.URL, a.cfg.Webhook.Secret, a.identity.TerminalID, a.bus)
		}

		backupTicker := time.NewTicker(a.cfg.GetBackupInterval())
		defer backupTicker.Stop()
		go func() {
			for {
				select {
				case <-backupTicker.C:
					if _, err := a.backup.CreateBackup(ctx); err != nil {
						slog.Error("periodic backup failed", "err", err)
					}
					if _, err := a.backup.CleanupOldBackups(ctx, a.cfg.GetBackupDays()); err != nil {
						slog.Error("backup cleanup failed", "err", err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		slog.Info("possync running",
			"terminal", a.identity.TerminalID,
			"remote", a.cfg.GetRemoteURL(),
			"relay", a.cfg.GetRelayURL(),
			"online", monitor.Online())

		<-ctx.Done()
		slog.Info("shutting down")

		// Timers and loops stop before the store handle is released.
		backupTicker.Stop()
		channel.Shutdown()
		coord.Close()
		monitor.Close()
		signalSrc.Stop()
		return nil
	},
}

func init() {
	runCmd.Flags().DurationVar(&flagProbeInterval, "probe-interval", 10*time.Second, "connectivity probe interval")
	rootCmd.AddCommand(runCmd)
}
