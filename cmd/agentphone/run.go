package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sebas/agentphone/internal/agent/app"
	"github.com/sebas/agentphone/internal/agent/config"
	"github.com/sebas/agentphone/internal/banner"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Log in and run the agent until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closer, err := opts.load()
			if err != nil {
				return err
			}
			defer closer.Close()
			return run(cmd.Context(), cfg)
		},
	}
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	defer func() {
		if err := agent.Close(); err != nil {
			slog.Warn("[App] Shutdown finished with errors", "error", err)
		}
	}()

	banner.Fprint(os.Stdout, "agentphone "+version, startupLines(cfg))
	logNetworkInterfaces()

	if err := agent.Run(ctx); err != nil {
		return err
	}
	slog.Info("[App] Shutting down")
	return nil
}

func startupLines(cfg *config.Config) []banner.ConfigLine {
	api := ""
	if cfg.API.Enabled {
		api = cfg.API.Addr
	}
	sync := "memory"
	switch {
	case cfg.Sync.Redis.Enabled && cfg.Sync.MQTT.Enabled:
		sync = "redis+mqtt"
	case cfg.Sync.Redis.Enabled:
		sync = "redis " + cfg.Sync.Redis.Address
	case cfg.Sync.MQTT.Enabled:
		sync = "memory+mqtt"
	}
	return []banner.ConfigLine{
		{Label: "Agent", Value: cfg.Agent.User},
		{Label: "Registrar", Value: cfg.SIP.Registrar},
		{Label: "SIP listen", Value: net.JoinHostPort(cfg.SIP.BindAddr, strconv.Itoa(cfg.SIP.Port)) + "/" + cfg.SIP.Transport},
		{Label: "Backend", Value: cfg.Backend.BaseURL},
		{Label: "Transcription", Value: cfg.Recording.Transcription},
		{Label: "Sync", Value: sync},
		{Label: "API", Value: api},
	}
}

func logNetworkInterfaces() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}
	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			slog.Debug("Network interface", "interface", iface.Name, "ip", ip.String())
		}
	}
}
