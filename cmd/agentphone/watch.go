package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	types "github.com/sebas/agentphone/api/types/v1"
	"github.com/sebas/agentphone/internal/agent/app"
	"github.com/sebas/agentphone/internal/agent/config"
	"github.com/sebas/agentphone/internal/agent/tabsync"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the published agent snapshots",
		Long: `watch follows the monitoring snapshots of a running agent. With Redis sync
enabled it reads shared storage and the pub/sub channel; otherwise it follows
the websocket feed of the local control API.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closer, err := opts.load()
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, cmd.OutOrStdout(), cfg, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "print the stored snapshot and exit (redis only)")
	return cmd
}

func watch(ctx context.Context, w io.Writer, cfg *config.Config, once bool) error {
	var (
		store tabsync.Store
		sub   tabsync.Subscriber
	)
	switch {
	case cfg.Sync.Redis.Enabled:
		client, err := tabsync.NewRedisClient(ctx, tabsync.RedisOptions{
			Address:  cfg.Sync.Redis.Address,
			Password: cfg.Sync.Redis.Password,
			DB:       cfg.Sync.Redis.DB,
		})
		if err != nil {
			return err
		}
		store = tabsync.NewRedisStore(client)
		sub = tabsync.NewRedisBroadcaster(client, app.BroadcastChannel(cfg))
	case cfg.API.Enabled:
		if once {
			return fmt.Errorf("--once needs sync.redis.enabled")
		}
		store = tabsync.NewMemoryStore(0)
		sub = &tabsync.HubSubscriber{URL: hubURL(cfg.API.Addr)}
	default:
		return fmt.Errorf("nothing to watch: enable sync.redis or api")
	}
	defer store.Close()

	viewer := tabsync.NewViewer(store, cfg.Sync.Prefix, cfg.Agent.User, "watch-"+uuid.NewString())
	if err := viewer.Refresh(ctx); err != nil {
		return err
	}
	if snap, ok := viewer.Monitoring(); ok {
		printSnapshot(w, snap)
	} else if once {
		fmt.Fprintln(w, "No snapshot published yet")
	}
	if once {
		return nil
	}

	updates := make(chan struct{}, 1)
	viewer.OnUpdate(func(class tabsync.Class, _ tabsync.Frame) {
		if class != tabsync.ClassMonitoring {
			return
		}
		select {
		case updates <- struct{}{}:
		default:
		}
	})
	if err := viewer.Attach(ctx, sub); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-updates:
			if snap, ok := viewer.Monitoring(); ok {
				printSnapshot(w, snap)
			}
		}
	}
}

func hubURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "ws://" + addr + "/ws?streams=monitoring"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port) + "/ws?streams=monitoring"
}

func printSnapshot(w io.Writer, s types.MonitoringSnapshot) {
	at := time.UnixMilli(s.Timestamp).Local().Format("15:04:05")

	status := s.Call.Status
	switch status {
	case "active", "conference":
		status = color.GreenString(status)
	case "ringing", "dialing":
		status = color.YellowString(status)
	case "failed":
		status = color.RedString(status)
	}

	health := fmt.Sprintf("%d%% (%s, %d/4)", s.Health.OverallHealth, s.Health.NetworkQuality, s.Health.SignalStrength)
	switch {
	case s.Health.OverallHealth >= 75:
		health = color.GreenString(health)
	case s.Health.OverallHealth >= 50:
		health = color.YellowString(health)
	default:
		health = color.RedString(health)
	}

	line := fmt.Sprintf("[%s] call=%s", at, status)
	if s.Call.RemoteNumber != "" {
		line += " number=" + s.Call.RemoteNumber
	}
	if s.Call.ElapsedSeconds > 0 {
		line += fmt.Sprintf(" elapsed=%ds", s.Call.ElapsedSeconds)
	}
	if s.Conference.Active {
		line += fmt.Sprintf(" conference=%d", s.Conference.Participants)
		if s.Conference.Merged {
			line += " merged"
		}
	}
	if s.Call.ConnectionFatal {
		line += " " + color.New(color.FgRed, color.Bold).Sprint("CONNECTION LOST")
	}
	fmt.Fprintf(w, "%s health=%s\n", line, health)
}
