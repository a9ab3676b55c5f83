package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/spider-keyer-server/internal/keyer"
	"github.com/kstaniek/spider-keyer-server/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"keyer_state", keyer.ConnState(snap.KeyerState).String(),
					"keyer_wpm", snap.KeyerWPM,
					"serial_rx_bytes", snap.SerialRxBytes,
					"serial_tx", snap.SerialTx,
					"text_frames", snap.TextFrames,
					"status_frames", snap.StatusFrames,
					"ctl_rx", snap.CtlRx,
					"ctl_tx", snap.CtlTx,
					"clients", snap.HubClients,
					"hub_drops", snap.HubDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
