package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"deplight/internal/deployment"
	"deplight/internal/model"
)

// EventMetricsUpdate carries a resource sample to every session.
const EventMetricsUpdate = "metrics-update"

// Sample is one synthetic resource reading.
type Sample struct {
	CPU float64 `json:"cpu"`
	Mem float64 `json:"mem"`
}

// AllBroadcaster reaches every connected session.
type AllBroadcaster interface {
	BroadcastAll(event string, payload any) error
}

// ActivitySource reports how many runs are in flight.
type ActivitySource interface {
	Active() int64
}

var hitPaths = []string{"/", "/api/health", "/api/items", "/login", "/static/app.js"}

// Traffic is the process-wide ticker that drives metrics-update events and
// occasional TRAFFIC_HIT log lines.
type Traffic struct {
	out      AllBroadcaster
	source   ActivitySource
	interval time.Duration
	hitRate  float64
	logger   *slog.Logger
	rand     func() float64
	now      func() time.Time
}

// NewTraffic creates a ticker. source may be nil. hitRate is the chance per
// tick of emitting a traffic hit.
func NewTraffic(out AllBroadcaster, source ActivitySource, interval time.Duration, hitRate float64, logger *slog.Logger) *Traffic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Traffic{
		out:      out,
		source:   source,
		interval: interval,
		hitRate:  hitRate,
		logger:   logger,
		rand:     rand.Float64,
		now:      time.Now,
	}
}

// Run ticks until ctx is done.
func (t *Traffic) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}

// Tick emits one sample and maybe one traffic hit.
func (t *Traffic) Tick() {
	if err := t.out.BroadcastAll(EventMetricsUpdate, t.Sample()); err != nil {
		t.logger.Warn("failed to broadcast metrics", "error", err)
	}

	if t.hitRate <= 0 || t.rand() >= t.hitRate {
		return
	}
	hit := deployment.LogEvent{Log: t.hit()}
	if err := t.out.BroadcastAll(deployment.EventNewLog, hit); err != nil {
		t.logger.Warn("failed to broadcast traffic hit", "error", err)
	}
}

// Sample returns cpu 5-10% and mem 128-148MB when idle, and cpu 30-70% and
// mem 256-356MB while any run is in flight.
func (t *Traffic) Sample() Sample {
	if t.source != nil && t.source.Active() > 0 {
		return Sample{CPU: 30 + t.rand()*40, Mem: 256 + t.rand()*100}
	}
	return Sample{CPU: 5 + t.rand()*5, Mem: 128 + t.rand()*20}
}

func (t *Traffic) hit() model.LogEntry {
	path := hitPaths[int(t.rand()*float64(len(hitPaths)))%len(hitPaths)]
	latency := 2 + int(t.rand()*80)
	return model.LogEntry{
		Time:    t.now(),
		Message: fmt.Sprintf("GET %s 200 %dms", path, latency),
		Channel: model.ChannelTrafficHit,
	}
}
