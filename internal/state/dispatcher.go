package state

import "go.uber.org/zap"

// SetAssets overwrites the entire probe table from a full asset list,
// skipping any asset this agentcore does not own per the current Zones
// snapshot, then fans the per-probe slice out to every connected probe
// session (possibly empty) — spec.md §4.4 set_assets.
func (s *State) SetAssets(assets []AssetRecord) {
	s.mu.Lock()
	z := s.zones
	s.mu.Unlock()

	if z == nil {
		if s.logger != nil {
			s.logger.Error("set_assets called before zones are known")
		}
		return
	}

	next := make(map[string][]CheckEntry)
	for _, asset := range assets {
		if !z.HasAsset(int(asset.AssetID), int(asset.AssetZone)) {
			continue
		}
		for probeKey, entries := range flattenAsset(asset) {
			next[probeKey] = append(next[probeKey], entries...)
		}
	}

	s.mu.Lock()
	s.probeAssets = next
	probes := s.snapshotProbesLocked()
	s.mu.Unlock()

	for _, p := range probes {
		if err := p.SendSetAssets(next[p.ProbeKey()]); err != nil && s.logger != nil {
			s.logger.Warn("failed to send set_assets to probe", zap.String("probe_key", p.ProbeKey()), zap.Error(err))
		}
	}
}

// UpsertAsset updates or adds a single asset's checks. It first removes
// every existing check entry for this asset id from every probe's list
// (across all probe_keys, not just the ones this asset currently maps to),
// then either broadcasts an unset (if we no longer own the asset) or
// rebuilds and re-appends its entries and sends an upsert to every live
// probe, each with its own (possibly empty) slice of the new entries
// — spec.md §4.4 upsert_asset.
func (s *State) UpsertAsset(asset AssetRecord) {
	s.mu.Lock()
	z := s.zones
	s.mu.Unlock()

	if z == nil {
		if s.logger != nil {
			s.logger.Error("upsert_asset called before zones are known")
		}
		return
	}

	s.removeAssetEntries(asset.AssetID)

	if !z.HasAsset(int(asset.AssetID), int(asset.AssetZone)) {
		s.broadcastUnset([]int64{asset.AssetID})
		return
	}

	byProbe := flattenAsset(asset)

	s.mu.Lock()
	for probeKey, entries := range byProbe {
		s.probeAssets[probeKey] = append(s.probeAssets[probeKey], entries...)
	}
	probes := s.snapshotProbesLocked()
	s.mu.Unlock()

	for _, p := range probes {
		entries := byProbe[p.ProbeKey()] // nil if this probe has no new entries
		if err := p.SendUpsertAsset(asset.AssetID, entries); err != nil && s.logger != nil {
			s.logger.Warn("failed to send upsert_asset to probe", zap.String("probe_key", p.ProbeKey()), zap.Error(err))
		}
	}
}

// UnsetAssets removes every check entry whose asset id is in ids, then
// broadcasts FAF_UNSET_ASSETS to every live probe — spec.md §4.4
// unset_assets.
func (s *State) UnsetAssets(ids []int64) {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	s.mu.Lock()
	for probeKey, entries := range s.probeAssets {
		filtered := entries[:0:0]
		for _, e := range entries {
			if _, match := set[e.Path[0]]; !match {
				filtered = append(filtered, e)
			}
		}
		s.probeAssets[probeKey] = filtered
	}
	s.mu.Unlock()

	s.broadcastUnset(ids)
}

func (s *State) removeAssetEntries(assetID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for probeKey, entries := range s.probeAssets {
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.Path[0] != assetID {
				filtered = append(filtered, e)
			}
		}
		s.probeAssets[probeKey] = filtered
	}
}

func (s *State) broadcastUnset(ids []int64) {
	s.mu.Lock()
	probes := s.snapshotProbesLocked()
	s.mu.Unlock()

	for _, p := range probes {
		if err := p.SendUnsetAssets(ids); err != nil && s.logger != nil {
			s.logger.Warn("failed to send unset_assets to probe", zap.String("probe_key", p.ProbeKey()), zap.Error(err))
		}
	}
}

func (s *State) snapshotProbesLocked() []ProbeSession {
	out := make([]ProbeSession, 0, len(s.probeConns))
	for p := range s.probeConns {
		out = append(out, p)
	}
	return out
}
