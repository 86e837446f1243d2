package state

import (
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// probeAssetsFile is the on-disk record of the full probe-keyed check table,
// written by DumpProbeAssets and read back by LoadProbeAssets. It lets a
// probe collector that reconnects before the hub has resent its assets pick
// up exactly where it left off — original_source/agentcore/state.py's
// dump_probe_assets/load_probe_assets, backed by assets.mp.
type probeAssetsFile struct {
	ProbeAssets map[string][]CheckEntry `msgpack:"probe_assets"`
}

// DumpProbeAssets writes the current probe table to path as msgpack. Called
// on clean shutdown so the next process start (or a probe reconnect racing
// ahead of the hub) has something to serve immediately.
func (s *State) DumpProbeAssets(path string) error {
	s.mu.Lock()
	snapshot := make(map[string][]CheckEntry, len(s.probeAssets))
	for k, v := range s.probeAssets {
		snapshot[k] = append([]CheckEntry(nil), v...)
	}
	s.mu.Unlock()

	b, err := msgpack.Marshal(&probeAssetsFile{ProbeAssets: snapshot})
	if err != nil {
		return fmt.Errorf("state: marshal probe assets: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("state: write probe assets file %s: %w", path, err)
	}
	if s.logger != nil {
		s.logger.Debug("dumped probe assets", zap.String("path", path), zap.Int("probes", len(snapshot)))
	}
	return nil
}

// LoadProbeAssets restores the probe table from path, if it exists. A
// missing file is not an error: it just means no prior dump was ever taken
// (first run, or the previous shutdown was unclean).
func (s *State) LoadProbeAssets(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("state: read probe assets file %s: %w", path, err)
	}

	var f probeAssetsFile
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("state: unmarshal probe assets: %w", err)
	}

	s.mu.Lock()
	s.probeAssets = f.ProbeAssets
	if s.probeAssets == nil {
		s.probeAssets = make(map[string][]CheckEntry)
	}
	probes := s.snapshotProbesLocked()
	probeAssets := s.probeAssets
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("loaded probe assets", zap.String("path", path), zap.Int("probes", len(f.ProbeAssets)))
	}

	// Re-program any probe that connected before this snapshot was loaded —
	// mirrors state.py's load_probe_assets resending set_assets to every
	// probe already registered at load time.
	for _, p := range probes {
		if err := p.SendSetAssets(probeAssets[p.ProbeKey()]); err != nil && s.logger != nil {
			s.logger.Warn("failed to send set_assets to probe after loading spilled assets", zap.String("probe_key", p.ProbeKey()), zap.Error(err))
		}
	}
	return nil
}
