package main

import (
	"log/slog"

	"github.com/kstaniek/spider-keyer-server/internal/hub"
)

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	p, err := hub.ParsePolicy(cfg.hubPolicy)
	if err != nil {
		l.Warn("unknown_hub_policy", "policy", cfg.hubPolicy, "used", p.String())
	}
	h.Policy = p
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("hub_config", "policy", h.Policy.String(), "buffer", h.OutBufSize)
	return h
}
