// Package liveness runs the relay's two periodic background loops: a
// ping probe and an idle-connection sweep.
//
// Grounded on original_source/server/connection_manager.py's
// _ping_connections/_monitor_connections asyncio tasks, translated to
// one goroutine per loop (spec.md §4.2/§5: "Ping loop and idle sweep are
// independent periodic tasks").
package liveness

import (
	"context"
	"time"

	"github.com/n0remac/boat-relay/internal/logging"
	"github.com/n0remac/boat-relay/internal/registry"
)

// idleSweepPeriod is fixed by spec.md §4.2, not configurable.
const idleSweepPeriod = 10 * time.Second

// Monitor drives the ping and idle-sweep loops over a Registry.
type Monitor struct {
	reg               *registry.Registry
	log               *logging.Logger
	pingInterval      time.Duration
	connectionTimeout time.Duration
}

func New(reg *registry.Registry, log *logging.Logger, pingInterval, connectionTimeout time.Duration) *Monitor {
	return &Monitor{
		reg:               reg,
		log:               log,
		pingInterval:      pingInterval,
		connectionTimeout: connectionTimeout,
	}
}

// Run starts both loops in their own goroutines and returns immediately;
// the loops stop when ctx is canceled. Each loop
// recovers from panics and keeps running (spec.md §7: "Background-task
// panics must be caught and logged; the task is restarted").
func (m *Monitor) Run(ctx context.Context) {
	go m.runLoop(ctx, "ping", m.pingInterval, m.reg.Ping)
	go m.runLoop(ctx, "idle-sweep", idleSweepPeriod, func() {
		m.reg.SweepIdle(m.connectionTimeout)
	})
}

func (m *Monitor) runLoop(ctx context.Context, name string, period time.Duration, tick func()) {
	for {
		if ctx.Err() != nil {
			return
		}
		m.safeTick(name, tick)

		select {
		case <-ctx.Done():
			return
		case <-time.After(period):
		}
	}
}

func (m *Monitor) safeTick(name string, tick func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorf("%s loop panic recovered: %v", name, r)
		}
	}()
	tick()
}
