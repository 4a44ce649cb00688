package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	healthCacheTTL     = 5 * time.Second
	healthCheckTimeout = 3 * time.Second
)

// Pinger is a backing store the health endpoint checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerStatus reports whether the ingestion channel is reachable.
type BrokerStatus interface {
	Healthy() bool
}

var errBrokerDown = errors.New("broker: no open connection")

// dependencyStatus is one health probe result.
type dependencyStatus struct {
	postgres   error
	clickhouse error
	broker     error
}

// healthChecker caches dependency probes so that a burst of /health calls
// costs one round trip per backend. Concurrent calls after expiry share one
// probe through singleflight.
type healthChecker struct {
	postgres   Pinger
	clickhouse Pinger
	broker     BrokerStatus

	group singleflight.Group

	mu        sync.Mutex
	last      dependencyStatus
	checkedAt time.Time
}

func (h *healthChecker) cached() (dependencyStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.checkedAt.IsZero() && time.Since(h.checkedAt) < healthCacheTTL {
		return h.last, true
	}
	return dependencyStatus{}, false
}

func (h *healthChecker) check() dependencyStatus {
	if st, ok := h.cached(); ok {
		return st
	}

	// The probe runs on its own context: singleflight shares it between
	// callers, and one caller cancelling must not fail the others.
	v, _, _ := h.group.Do("health", func() (any, error) {
		if st, ok := h.cached(); ok {
			return st, nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		defer cancel()

		var st dependencyStatus
		var wg sync.WaitGroup
		probe := func(p Pinger, dst *error) {
			if p == nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				*dst = p.Ping(ctx)
			}()
		}
		probe(h.postgres, &st.postgres)
		probe(h.clickhouse, &st.clickhouse)
		if h.broker != nil && !h.broker.Healthy() {
			st.broker = errBrokerDown
		}
		wg.Wait()

		h.mu.Lock()
		h.last = st
		h.checkedAt = time.Now()
		h.mu.Unlock()
		return st, nil
	})
	return v.(dependencyStatus)
}
