// Package state holds the process-wide authoritative runtime state: the
// asset sharding snapshot, the per-probe check-list projection, and the set
// of live probe/rapp connections. It is the Go realization of
// original_source/agentcore/state.py, generalized from a class of
// classmethods (the Python side's process-wide singleton) into a struct
// instance constructed once in cmd/agentcore and passed by pointer to every
// component that touches it — see SPEC_FULL.md §5.
package state

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/infrasonar/agentcore/internal/zones"
)

// ProbeSession is the subset of a connected probe collector's session that
// the dispatcher needs in order to fan out asset updates. Implemented by
// internal/probeserver.Session.
type ProbeSession interface {
	ProbeKey() string
	SendSetAssets(entries []CheckEntry) error
	SendUpsertAsset(assetID int64, entries []CheckEntry) error
	SendUnsetAssets(assetIDs []int64) error
}

// RappHandle is the subset of the sibling rapp connection that the hub
// protocol handler needs in order to forward a REQ_RAPP request. Defined
// here (rather than imported from internal/rapp) so state never depends on
// rapp, avoiding an import cycle: internal/rapp sets State.Rapp on connect,
// and internal/hub reads it back out through this interface.
type RappHandle interface {
	IsConnected() bool
	Forward(ctx context.Context, tp uint8, data any, isBinary bool, timeout time.Duration) (protocol uint8, respData any, err error)
}

// State is the single process-wide mutable record described in spec.md §3.
// All exported methods are safe for concurrent use.
type State struct {
	mu sync.Mutex

	logger *zap.Logger

	// Name, Zone, and Token are static, read once from configuration.
	Name  string
	Zone  int
	Token string

	// AgentCoreID is nil until the id file is read or the first announce
	// completes.
	agentCoreID *int

	zones *zones.Zones

	// probeAssets maps probe_key to its ordered check list.
	probeAssets map[string][]CheckEntry

	// probeConns is the set of live probe sessions, keyed by the session
	// itself (always a pointer type, hence comparable).
	probeConns map[ProbeSession]struct{}

	// Rapp is the current sibling-process connection, if any. Set by
	// internal/rapp on connect/disconnect.
	Rapp RappHandle

	stopped bool
}

// New constructs an empty State for the given identity. AgentCoreID is
// filled in later via SetAgentCoreID (after reading the persisted id file
// or completing the first announce).
func New(name string, zone int, token string, logger *zap.Logger) *State {
	return &State{
		logger:      logger,
		Name:        name,
		Zone:        zone,
		Token:       token,
		probeAssets: make(map[string][]CheckEntry),
		probeConns:  make(map[ProbeSession]struct{}),
	}
}

// AgentCoreID returns the current agentcore id, or nil if it has not been
// assigned yet.
func (s *State) AgentCoreID() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentCoreID
}

// SetAgentCoreID assigns the agentcore id, normally called once after
// reading the persisted id file, and again (idempotently, same value) after
// every successful announce.
func (s *State) SetAgentCoreID(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentCoreID = &id
}

// Zones returns the current sharding snapshot, or nil before the first
// SetZones call.
func (s *State) Zones() *zones.Zones {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zones
}

// SetZones replaces the sharding snapshot using the current AgentCoreID and
// Zone. The caller must have assigned AgentCoreID first (normally guaranteed
// by processing order: the hub always sends the announce response, which
// carries the id, before or together with the peer list).
func (s *State) SetZones(peers []zones.Peer) {
	s.mu.Lock()
	id := s.agentCoreID
	zone := s.Zone
	s.mu.Unlock()

	if id == nil {
		if s.logger != nil {
			s.logger.Error("set_zones called before agentcore id is known")
		}
		return
	}

	z := zones.New(*id, zone, peers)

	s.mu.Lock()
	s.zones = z
	s.mu.Unlock()
}

// AddProbe registers a newly announced probe session.
func (s *State) AddProbe(p ProbeSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeConns[p] = struct{}{}
}

// RemoveProbe unregisters a probe session, normally on disconnect.
func (s *State) RemoveProbe(p ProbeSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.probeConns, p)
}

// Probes returns a snapshot slice of the currently live probe sessions.
func (s *State) Probes() []ProbeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProbeSession, 0, len(s.probeConns))
	for p := range s.probeConns {
		out = append(out, p)
	}
	return out
}

// ProbeByKey returns the live probe session currently registered under key,
// if any.
func (s *State) ProbeByKey(key string) (ProbeSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.probeConns {
		if p.ProbeKey() == key {
			return p, true
		}
	}
	return nil, false
}

// ChecksForProbe returns the current check list for probeKey (possibly
// empty, never nil-vs-empty distinguished beyond len() == 0).
func (s *State) ChecksForProbe(probeKey string) []CheckEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CheckEntry(nil), s.probeAssets[probeKey]...)
}

// SetRapp installs or clears (pass nil) the current rapp handle.
func (s *State) SetRapp(r RappHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Rapp = r
}

// GetRapp returns the current rapp handle, or nil if no rapp is connected.
func (s *State) GetRapp() RappHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Rapp
}

// Stop marks the state as shutting down, mirroring state.py's stop()
// classmethod. The flag is only reported by IsStopped; the loops in this
// module exit on context cancellation, not by polling it.
func (s *State) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// IsStopped reports whether Stop has been called.
func (s *State) IsStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// RequiredProbes returns the set of probe_keys that currently have at least
// one check entry — used by the heartbeat aggregator to report expected
// probes that are missing.
func (s *State) RequiredProbes() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	for key, checks := range s.probeAssets {
		if len(checks) > 0 {
			out[key] = struct{}{}
		}
	}
	return out
}

// mergeConfig builds the stored check config: {_interval: interval,
// **probeConfig, **checkConfig}, with checkConfig winning key collisions
// against probeConfig — spec.md §3.
func mergeConfig(interval int64, probeConfig, checkConfig map[string]any) map[string]any {
	out := make(map[string]any, len(probeConfig)+len(checkConfig)+1)
	out["_interval"] = interval
	for k, v := range probeConfig {
		out[k] = v
	}
	for k, v := range checkConfig {
		out[k] = v
	}
	return out
}

// flattenAsset expands one asset record into its per-probe check entries.
func flattenAsset(a AssetRecord) map[string][]CheckEntry {
	out := make(map[string][]CheckEntry)
	for _, probe := range a.Probes {
		for _, check := range probe.Checks {
			entry := CheckEntry{
				Path:   [2]int64{a.AssetID, check.CheckID},
				Names:  [2]string{a.AssetName, check.CheckKey},
				Config: mergeConfig(check.Interval, probe.ProbeConfig, check.CheckConfig),
			}
			out[probe.ProbeKey] = append(out[probe.ProbeKey], entry)
		}
	}
	return out
}
