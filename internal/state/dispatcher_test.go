package state

import (
	"reflect"
	"sort"
	"testing"

	"github.com/infrasonar/agentcore/internal/zones"
)

// fakeProbe is a minimal state.ProbeSession used to observe what the
// dispatcher fans out, without any real network transport.
type fakeProbe struct {
	key string

	setAssets   [][]CheckEntry
	upserts     []upsertCall
	unsets      [][]int64
}

type upsertCall struct {
	assetID int64
	entries []CheckEntry
}

func (f *fakeProbe) ProbeKey() string { return f.key }

func (f *fakeProbe) SendSetAssets(entries []CheckEntry) error {
	f.setAssets = append(f.setAssets, append([]CheckEntry(nil), entries...))
	return nil
}

func (f *fakeProbe) SendUpsertAsset(assetID int64, entries []CheckEntry) error {
	f.upserts = append(f.upserts, upsertCall{assetID, append([]CheckEntry(nil), entries...)})
	return nil
}

func (f *fakeProbe) SendUnsetAssets(assetIDs []int64) error {
	f.unsets = append(f.unsets, append([]int64(nil), assetIDs...))
	return nil
}

func newTestState(t *testing.T, selfID int, peers []zones.Peer) *State {
	t.Helper()
	st := New("agent-1", 0, "tok", nil)
	st.SetAgentCoreID(selfID)
	st.SetZones(peers)
	return st
}

func asset(id, zone int64, name, probeKey string, checkID int64, checkKey string, interval int64) AssetRecord {
	return AssetRecord{
		AssetID:   id,
		AssetZone: zone,
		AssetName: name,
		Probes: []ProbeSpec{
			{
				ProbeKey: probeKey,
				Checks: []CheckSpec{
					{CheckID: checkID, CheckKey: checkKey, Interval: interval},
				},
			},
		},
	}
}

func TestSetAssetsRoutesOwnedAssetsOnly(t *testing.T) {
	peers := []zones.Peer{{AgentCoreID: 10, Zone: 0}, {AgentCoreID: 20, Zone: 0}}
	st := newTestState(t, 10, peers)

	probe := &fakeProbe{key: "wmi-probe"}
	st.AddProbe(probe)

	assets := []AssetRecord{
		asset(100, 0, "a", "wmi-probe", 1, "cpu", 30), // 100 % 2 == 0 -> owned by agentcore 10
		asset(101, 0, "b", "wmi-probe", 2, "cpu", 30), // 101 % 2 == 1 -> owned by agentcore 20, not us
	}
	st.SetAssets(assets)

	entries := st.ChecksForProbe("wmi-probe")
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 check entry, got %d: %+v", len(entries), entries)
	}
	want := CheckEntry{Path: [2]int64{100, 1}, Names: [2]string{"a", "cpu"}, Config: map[string]any{"_interval": int64(30)}}
	if !reflect.DeepEqual(entries[0], want) {
		t.Fatalf("entry mismatch: got %+v, want %+v", entries[0], want)
	}

	if len(probe.setAssets) != 1 || len(probe.setAssets[0]) != 1 {
		t.Fatalf("expected exactly one SendSetAssets call with 1 entry, got %+v", probe.setAssets)
	}
}

func TestUpsertAssetEvictsThenRebuilds(t *testing.T) {
	peers := []zones.Peer{{AgentCoreID: 10, Zone: 0}, {AgentCoreID: 20, Zone: 0}}
	st := newTestState(t, 10, peers)

	probe := &fakeProbe{key: "wmi-probe"}
	st.AddProbe(probe)

	st.SetAssets([]AssetRecord{asset(100, 0, "a", "wmi-probe", 1, "cpu", 30)})

	updated := AssetRecord{
		AssetID:   100,
		AssetZone: 0,
		AssetName: "a",
		Probes: []ProbeSpec{
			{
				ProbeKey:    "wmi-probe",
				ProbeConfig: map[string]any{"x": int64(1)},
				Checks: []CheckSpec{
					{CheckID: 1, CheckKey: "cpu", Interval: 60, CheckConfig: map[string]any{"y": int64(2)}},
				},
			},
		},
	}
	st.UpsertAsset(updated)

	entries := st.ChecksForProbe("wmi-probe")
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 entry after upsert, got %d: %+v", len(entries), entries)
	}
	wantConfig := map[string]any{"_interval": int64(60), "x": int64(1), "y": int64(2)}
	if !reflect.DeepEqual(entries[0].Config, wantConfig) {
		t.Fatalf("config mismatch: got %+v, want %+v", entries[0].Config, wantConfig)
	}

	if len(probe.upserts) != 1 || probe.upserts[0].assetID != 100 {
		t.Fatalf("expected one upsert broadcast for asset 100, got %+v", probe.upserts)
	}
}

// TestUpsertIdempotence is spec.md §8 item 6.
func TestUpsertIdempotence(t *testing.T) {
	peers := []zones.Peer{{AgentCoreID: 10, Zone: 0}}
	st1 := newTestState(t, 10, peers)
	st2 := newTestState(t, 10, peers)

	a := asset(5, 0, "a", "wmi-probe", 1, "cpu", 30)

	st1.UpsertAsset(a)
	st2.UpsertAsset(a)
	st2.UpsertAsset(a)

	got1 := st1.ChecksForProbe("wmi-probe")
	got2 := st2.ChecksForProbe("wmi-probe")
	if !reflect.DeepEqual(got1, got2) {
		t.Fatalf("double upsert changed the probe table: once=%+v twice=%+v", got1, got2)
	}
}

func TestUpsertAssetNoLongerOwnedBroadcastsUnset(t *testing.T) {
	peers := []zones.Peer{{AgentCoreID: 10, Zone: 0}, {AgentCoreID: 20, Zone: 0}}
	st := newTestState(t, 10, peers)

	probe := &fakeProbe{key: "wmi-probe"}
	st.AddProbe(probe)
	st.SetAssets([]AssetRecord{asset(100, 0, "a", "wmi-probe", 1, "cpu", 30)})

	// Re-zone asset 100 into a zone agentcore 10 does not shard (zone 1,
	// with a live peer elsewhere) so it is no longer ours.
	peers2 := []zones.Peer{{AgentCoreID: 10, Zone: 0}, {AgentCoreID: 20, Zone: 1}}
	st.SetZones(peers2)

	st.UpsertAsset(AssetRecord{AssetID: 100, AssetZone: 1, AssetName: "a"})

	if len(st.ChecksForProbe("wmi-probe")) != 0 {
		t.Fatalf("expected asset 100 to be evicted once no longer owned")
	}
	if len(probe.unsets) != 1 || !reflect.DeepEqual(probe.unsets[0], []int64{100}) {
		t.Fatalf("expected a single unset broadcast for [100], got %+v", probe.unsets)
	}
}

// TestUnsetIsInverse is spec.md §8 item 7.
func TestUnsetIsInverse(t *testing.T) {
	peers := []zones.Peer{{AgentCoreID: 10, Zone: 0}}
	st := newTestState(t, 10, peers)

	probe := &fakeProbe{key: "wmi-probe"}
	st.AddProbe(probe)

	assets := []AssetRecord{
		asset(1, 0, "a", "wmi-probe", 1, "cpu", 30),
		asset(2, 0, "b", "wmi-probe", 2, "cpu", 30),
	}
	st.SetAssets(assets)
	if len(st.ChecksForProbe("wmi-probe")) != 2 {
		t.Fatalf("expected 2 entries before unset")
	}

	st.UnsetAssets([]int64{1, 2})

	if len(st.ChecksForProbe("wmi-probe")) != 0 {
		t.Fatalf("expected probe table to be empty after unsetting all asset ids")
	}
	if len(probe.unsets) != 1 || !equalInt64Sets(probe.unsets[0], []int64{1, 2}) {
		t.Fatalf("expected one FAF_UNSET_ASSETS broadcast with [1 2], got %+v", probe.unsets)
	}
}

func equalInt64Sets(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]int64(nil), a...)
	sb := append([]int64(nil), b...)
	sort.Slice(sa, func(i, j int) bool { return sa[i] < sa[j] })
	sort.Slice(sb, func(i, j int) bool { return sb[i] < sb[j] })
	return reflect.DeepEqual(sa, sb)
}

func TestRequiredProbes(t *testing.T) {
	st := newTestState(t, 10, []zones.Peer{{AgentCoreID: 10, Zone: 0}})
	st.SetAssets([]AssetRecord{asset(1, 0, "a", "wmi-probe", 1, "cpu", 30)})

	required := st.RequiredProbes()
	if _, ok := required["wmi-probe"]; !ok || len(required) != 1 {
		t.Fatalf("expected required probes = {wmi-probe}, got %+v", required)
	}
}
