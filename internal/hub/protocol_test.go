package hub

import (
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestAnnounceRequestEncodesNilAgentCoreIDAsNil(t *testing.T) {
	req := announceRequest{AgentCoreID: nil, Name: "agent-1", Zone: 2, Token: "secret"}
	b, err := msgpack.Marshal(req)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var raw []any
	if err := msgpack.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal as raw slice failed: %v", err)
	}
	if len(raw) != 4 {
		t.Fatalf("expected 4 elements, got %d", len(raw))
	}
	if raw[0] != nil {
		t.Fatalf("expected AgentCoreID to encode as nil on first announce, got %v", raw[0])
	}
	if raw[1] != "agent-1" || raw[3] != "secret" {
		t.Fatalf("unexpected name/token: %v / %v", raw[1], raw[3])
	}
}

func TestAnnounceRequestEncodesKnownAgentCoreID(t *testing.T) {
	id := 42
	req := announceRequest{AgentCoreID: &id, Name: "agent-1", Zone: 0, Token: "secret"}
	b, err := msgpack.Marshal(req)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var raw []any
	if err := msgpack.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if raw[0] == nil {
		t.Fatalf("expected a non-nil AgentCoreID on reconnect, got nil")
	}
	if fmt64(raw[0]) != 42 {
		t.Fatalf("expected AgentCoreID 42, got %v", raw[0])
	}
}

func fmt64(v any) int64 {
	switch n := v.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint64:
		return int64(n)
	default:
		return -1
	}
}

func TestPeerWireRoundTrip(t *testing.T) {
	peers := []peerWire{{AgentCoreID: 1, Zone: 0}, {AgentCoreID: 2, Zone: 3}}
	b, err := msgpack.Marshal(peers)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded []peerWire
	if err := msgpack.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(decoded) != 2 || decoded[0].AgentCoreID != 1 || decoded[1].Zone != 3 {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}

	zp := toZonePeers(decoded)
	if len(zp) != 2 || zp[0].AgentCoreID != 1 || zp[1].Zone != 3 {
		t.Fatalf("toZonePeers mismatch: %+v", zp)
	}
}

func TestAnnounceResponseRoundTrip(t *testing.T) {
	raw, err := msgpack.Marshal([]any{
		7,
		[]any{[]any{7, 0}, []any{8, 1}},
		[]any{
			[]any{100, 0, "web-01", []any{
				[]any{"wmi-probe", nil, []any{
					[]any{1, "cpu", 60, map[string]any{}},
				}},
			}},
		},
	})
	if err != nil {
		t.Fatalf("marshal fixture failed: %v", err)
	}

	var resp announceResponse
	if err := msgpack.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode announce response failed: %v", err)
	}

	if resp.AgentCoreID != 7 {
		t.Fatalf("expected AgentCoreID 7, got %d", resp.AgentCoreID)
	}
	if len(resp.Peers) != 2 || resp.Peers[0].AgentCoreID != 7 || resp.Peers[1].AgentCoreID != 8 {
		t.Fatalf("unexpected peers: %+v", resp.Peers)
	}
	if len(resp.Assets) != 1 || resp.Assets[0].AssetID != 100 || resp.Assets[0].AssetName != "web-01" {
		t.Fatalf("unexpected assets: %+v", resp.Assets)
	}
	if len(resp.Assets[0].Probes) != 1 || resp.Assets[0].Probes[0].ProbeKey != "wmi-probe" {
		t.Fatalf("unexpected probes: %+v", resp.Assets[0].Probes)
	}
}

// setAssetsPayload is receive-only (PROTO_FAF_SET_ASSETS only ever arrives
// from the hub), so it only implements DecodeMsgpack; the fixture below is
// built as a raw [peers, assets] array rather than via msgpack.Marshal.
func TestSetAssetsPayloadDecode(t *testing.T) {
	raw, err := msgpack.Marshal([]any{
		[]any{[]any{1, 0}},
		[]any{
			[]any{1, 0, "a", []any{}},
		},
	})
	if err != nil {
		t.Fatalf("marshal fixture failed: %v", err)
	}

	var decoded setAssetsPayload
	if err := msgpack.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(decoded.Peers) != 1 || decoded.Peers[0].AgentCoreID != 1 {
		t.Fatalf("unexpected peers: %+v", decoded.Peers)
	}
	if len(decoded.Assets) != 1 || decoded.Assets[0].AssetName != "a" {
		t.Fatalf("unexpected assets: %+v", decoded.Assets)
	}
}
