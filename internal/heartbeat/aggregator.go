// Package heartbeat builds the PROTO_RES_INFO snapshot the hub client
// replies with on every PROTO_REQ_INFO poll: a per-probe liveness check
// plus host resource metrics. It is the Go realization of
// hubprotocol.py's _req_info, extended per SPEC_FULL.md §6 to also report
// host metrics via gopsutil — fulfilling the TODO left in the teacher's
// internal/metrics/metrics.go.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/infrasonar/agentcore/internal/state"
)

// perProbeTimeout bounds how long a single probe's REQ_INFO poll may take;
// a slow or wedged probe must never stall the overall heartbeat.
const perProbeTimeout = 10 * time.Second

// probeHeartbeat is the subset of probeserver.Session the aggregator polls.
// Defined locally (rather than imported from internal/probeserver) so this
// package has no dependency on the probe transport; state.ProbeSession
// values are type-asserted against this interface at call time.
type probeHeartbeat interface {
	ProbeKey() string
	Version() string
	Heartbeat(ctx context.Context, timeout time.Duration) (int64, time.Duration, error)
}

// HostMetrics collects host resource usage for inclusion in the heartbeat
// body. Implemented by internal/heartbeat/hostmetrics.go (gopsutil-backed).
type HostMetrics interface {
	Collect(ctx context.Context) map[string]any
}

// Aggregator implements hub.InfoSource.
type Aggregator struct {
	state   *state.State
	host    HostMetrics
	logger  *zap.Logger
	version string
}

// New constructs an Aggregator. version is the agentcore binary version
// reported in every heartbeat body.
func New(st *state.State, host HostMetrics, version string, logger *zap.Logger) *Aggregator {
	return &Aggregator{state: st, host: host, version: version, logger: logger}
}

// probeInfo is one entry of the "probes" list in the heartbeat body.
type probeInfo struct {
	Key       string  `msgpack:"key"`
	Version   string  `msgpack:"version"`
	Timestamp int64   `msgpack:"timestamp"`
	Roundtrip float64 `msgpack:"roundtrip"`
}

// CollectInfo polls every connected probe concurrently and assembles the
// PROTO_RES_INFO body. A probe that fails to respond in time still
// contributes an entry (timestamp=1, per on_heartbeat's "don't want the
// heartbeat to fail" fallback) rather than being omitted.
func (a *Aggregator) CollectInfo(ctx context.Context) map[string]any {
	probes := a.state.Probes()

	results := make([]probeInfo, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		hb, ok := p.(probeHeartbeat)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(i int, hb probeHeartbeat) {
			defer wg.Done()
			ts, roundtrip, err := hb.Heartbeat(ctx, perProbeTimeout)
			if err != nil {
				if a.logger != nil {
					a.logger.Error("probe heartbeat failed", zap.String("probe_key", hb.ProbeKey()), zap.Error(err))
				}
				ts = 1 // don't want the heartbeat to fail
			}
			results[i] = probeInfo{
				Key:       hb.ProbeKey(),
				Version:   hb.Version(),
				Timestamp: ts,
				Roundtrip: roundtrip.Seconds(),
			}
		}(i, hb)
	}
	wg.Wait()

	having := make(map[string]struct{}, len(results))
	for _, r := range results {
		having[r.Key] = struct{}{}
	}
	required := a.state.RequiredProbes()
	var missing []string
	for key := range required {
		if _, ok := having[key]; !ok {
			missing = append(missing, key)
		}
	}

	body := map[string]any{
		"missing":   missing,
		"probes":    results,
		"timestamp": time.Now().Unix(),
		"version":   a.version,
	}
	if a.host != nil {
		body["host"] = a.host.Collect(ctx)
	}
	return body
}
