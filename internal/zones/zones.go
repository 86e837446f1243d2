// Package zones implements the two-tier asset sharding ring used to
// partition monitored assets across a cluster of peer agent cores: a local
// ring for assets in this agentcore's own zone, and a global ring covering
// assets whose zone has no agentcore assigned to it.
package zones

import "sort"

// Peer identifies one agentcore in the announce response's peer list.
type Peer struct {
	AgentCoreID int
	Zone        int
}

// Zones is an immutable snapshot computed once per announce / FAF_SET_ASSETS.
type Zones struct {
	zone int

	foreignZones map[int]struct{}

	zoneIDs []int
	allIDs  []int

	zoneIdx    int
	allIdx     int
	zoneIdxSet bool
	allIdxSet  bool
}

// New builds a Zones snapshot for selfID operating in the given zone, given
// the full (possibly unsorted) peer list from the hub. Determinism requires
// sorting the peers first, by (AgentCoreID, Zone), so that indexing is
// stable regardless of the order the hub happened to send them in.
func New(selfID int, zone int, peers []Peer) *Zones {
	sorted := make([]Peer, len(peers))
	copy(sorted, peers)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].AgentCoreID != sorted[j].AgentCoreID {
			return sorted[i].AgentCoreID < sorted[j].AgentCoreID
		}
		return sorted[i].Zone < sorted[j].Zone
	})

	z := &Zones{
		zone:         zone,
		foreignZones: make(map[int]struct{}),
	}

	for _, p := range sorted {
		if p.Zone == zone {
			z.zoneIDs = append(z.zoneIDs, p.AgentCoreID)
		} else {
			z.foreignZones[p.Zone] = struct{}{}
		}
		z.allIDs = append(z.allIDs, p.AgentCoreID)
	}

	for i, id := range z.zoneIDs {
		if id == selfID {
			z.zoneIdx = i
			z.zoneIdxSet = true
			break
		}
	}
	for i, id := range z.allIDs {
		if id == selfID {
			z.allIdx = i
			z.allIdxSet = true
			break
		}
	}

	return z
}

// HasAsset reports whether this agentcore owns the given asset, per
// spec.md §4.3:
//  1. if assetZone is our own zone, shard within the local ring;
//  2. else if assetZone has no live peer (not a known foreign zone), shard
//     within the global ring so orphan-zone assets still get exactly one
//     owner;
//  3. otherwise some peer in assetZone owns it, not us.
func (z *Zones) HasAsset(assetID int, assetZone int) bool {
	if assetZone == z.zone {
		if !z.zoneIdxSet || len(z.zoneIDs) == 0 {
			return false
		}
		return mod(assetID, len(z.zoneIDs)) == z.zoneIdx
	}
	if _, known := z.foreignZones[assetZone]; !known {
		if !z.allIdxSet || len(z.allIDs) == 0 {
			return false
		}
		return mod(assetID, len(z.allIDs)) == z.allIdx
	}
	return false
}

// ZoneIDs returns the sorted agentcore ids that share our zone.
func (z *Zones) ZoneIDs() []int { return append([]int(nil), z.zoneIDs...) }

// AllIDs returns the sorted ids of every known agentcore.
func (z *Zones) AllIDs() []int { return append([]int(nil), z.allIDs...) }

// mod is a non-negative modulo: Go's % can return negative results for
// negative dividends, but asset ids are conventionally non-negative; guard
// against a negative id (e.g. a malformed hub payload) producing a
// misleading ownership decision.
func mod(a, n int) int {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}
