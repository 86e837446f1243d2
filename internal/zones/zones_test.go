package zones

import (
	"math/rand"
	"testing"
)

func TestHasAssetLocalZoneSharding(t *testing.T) {
	peers := []Peer{{AgentCoreID: 10, Zone: 0}, {AgentCoreID: 20, Zone: 0}}
	z := New(10, 0, peers)

	// self_idx_in_zone for id 10 is 0 (sorted: 10, 20)
	if !z.HasAsset(100, 0) { // 100 % 2 == 0 -> idx 0
		t.Fatal("expected agentcore 10 to own asset 100")
	}
	if z.HasAsset(101, 0) { // 101 % 2 == 1 -> idx 1, not us
		t.Fatal("expected agentcore 10 not to own asset 101")
	}
}

func TestHasAssetOrphanZoneFallsBackToGlobalRing(t *testing.T) {
	peers := []Peer{{AgentCoreID: 10, Zone: 0}, {AgentCoreID: 20, Zone: 0}}
	z := New(10, 0, peers)

	// zone 5 has no peer at all -> global ring across all_ids = [10, 20]
	if !z.HasAsset(100, 5) { // 100 % 2 == 0 -> idx 0 -> agentcore 10
		t.Fatal("expected orphan-zone asset to fall back to the global ring")
	}
	if z.HasAsset(101, 5) {
		t.Fatal("expected orphan-zone asset 101 to belong to the other global-ring peer")
	}
}

func TestHasAssetForeignZoneWithLivePeerIsNeverOurs(t *testing.T) {
	peers := []Peer{
		{AgentCoreID: 10, Zone: 0},
		{AgentCoreID: 20, Zone: 1},
	}
	z := New(10, 0, peers)

	// zone 1 has a live peer (20); no matter the asset id, agentcore 10 never owns it.
	for assetID := 0; assetID < 20; assetID++ {
		if z.HasAsset(assetID, 1) {
			t.Fatalf("asset %d in a foreign zone with a live peer must never belong to us", assetID)
		}
	}
}

func TestHasAssetSelfAbsentFromPeerList(t *testing.T) {
	peers := []Peer{{AgentCoreID: 20, Zone: 0}, {AgentCoreID: 30, Zone: 0}}
	z := New(10, 0, peers) // selfID 10 is not in the peer list at all

	for assetID := 0; assetID < 10; assetID++ {
		if z.HasAsset(assetID, 0) {
			t.Fatalf("agentcore absent from the peer list must never own asset %d", assetID)
		}
		if z.HasAsset(assetID, 99) {
			t.Fatalf("agentcore absent from the peer list must never own orphan-zone asset %d", assetID)
		}
	}
}

// TestZonesCoverage is the property from spec.md §8 item 4: for any peer set
// containing our id, every asset in our own zone (or an orphan zone) belongs
// to exactly one peer.
func TestZonesCoverage(t *testing.T) {
	peers := []Peer{
		{AgentCoreID: 1, Zone: 0},
		{AgentCoreID: 2, Zone: 0},
		{AgentCoreID: 3, Zone: 0},
	}

	snapshots := make([]*Zones, len(peers))
	for i, p := range peers {
		snapshots[i] = New(p.AgentCoreID, 0, peers)
	}

	for assetID := 0; assetID < 100; assetID++ {
		owners := 0
		for _, z := range snapshots {
			if z.HasAsset(assetID, 0) {
				owners++
			}
		}
		if owners != 1 {
			t.Fatalf("asset %d: expected exactly 1 owner among peers, got %d", assetID, owners)
		}
	}
}

// TestZonesDeterminism is spec.md §8 item 5: any permutation of the peer
// list must produce byte-equivalent ownership decisions.
func TestZonesDeterminism(t *testing.T) {
	base := []Peer{
		{AgentCoreID: 5, Zone: 0},
		{AgentCoreID: 1, Zone: 0},
		{AgentCoreID: 3, Zone: 1},
		{AgentCoreID: 9, Zone: 0},
	}

	reference := New(1, 0, base)

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 20; trial++ {
		shuffled := append([]Peer(nil), base...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		z := New(1, 0, shuffled)
		for assetID := 0; assetID < 50; assetID++ {
			for _, zone := range []int{0, 1, 2} {
				if z.HasAsset(assetID, zone) != reference.HasAsset(assetID, zone) {
					t.Fatalf("permutation changed ownership for asset %d zone %d", assetID, zone)
				}
			}
		}
	}
}
