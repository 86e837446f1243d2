package hub

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/infrasonar/agentcore/internal/state"
	"github.com/infrasonar/agentcore/internal/zones"
)

// Wire message types exchanged with the hub, values unchanged from the
// reference protocol.
const (
	ReqData        uint8 = 0x00
	ReqAnnounce    uint8 = 0x01
	FAFSetAssets   uint8 = 0x02
	ReqInfo        uint8 = 0x03
	FAFUpsertAsset uint8 = 0x04
	FAFUnsetAssets uint8 = 0x05
	ReqRapp        uint8 = 0x06

	ResAnnounce uint8 = 0x81
	ResInfo     uint8 = 0x82
	ResErr      uint8 = 0xe0
	ResOK       uint8 = 0xe1
	ResRapp     uint8 = 0xe2
)

// InfoSource builds the body of a PROTO_RES_INFO reply: the current
// heartbeat snapshot across every connected probe plus host metrics.
// Implemented by internal/heartbeat.Aggregator and injected into Client so
// hub never has to import heartbeat.
type InfoSource interface {
	CollectInfo(ctx context.Context) map[string]any
}

// announceRequest is the wire shape of a PROTO_REQ_ANNOUNCE body sent to
// the hub: [agentcore_id, name, zone, token].
type announceRequest struct {
	AgentCoreID *int
	Name        string
	Zone        int
	Token       string
}

func (a announceRequest) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(4); err != nil {
		return err
	}
	if a.AgentCoreID == nil {
		if err := enc.EncodeNil(); err != nil {
			return err
		}
	} else if err := enc.EncodeInt(int64(*a.AgentCoreID)); err != nil {
		return err
	}
	if err := enc.EncodeString(a.Name); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(a.Zone)); err != nil {
		return err
	}
	return enc.EncodeString(a.Token)
}

// peerWire is the wire tuple [agentcore_id, zone] naming one known peer.
type peerWire struct {
	AgentCoreID int
	Zone        int
}

func (p *peerWire) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("hub: peer: expected 2 elements, got %d", n)
	}
	id, err := dec.DecodeInt()
	if err != nil {
		return err
	}
	z, err := dec.DecodeInt()
	if err != nil {
		return err
	}
	p.AgentCoreID, p.Zone = id, z
	return nil
}

func toZonePeers(peers []peerWire) []zones.Peer {
	out := make([]zones.Peer, len(peers))
	for i, p := range peers {
		out[i] = zones.Peer{AgentCoreID: p.AgentCoreID, Zone: p.Zone}
	}
	return out
}

// announceResponse is the wire shape of a PROTO_RES_ANNOUNCE body received
// from the hub: [agentcore_id, agentcores, assets].
type announceResponse struct {
	AgentCoreID int
	Peers       []peerWire
	Assets      []state.AssetRecord
}

func (a *announceResponse) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 3 {
		return fmt.Errorf("hub: announce response: expected 3 elements, got %d", n)
	}
	if a.AgentCoreID, err = dec.DecodeInt(); err != nil {
		return err
	}
	peerCount, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	a.Peers = make([]peerWire, peerCount)
	for i := range a.Peers {
		if err := dec.Decode(&a.Peers[i]); err != nil {
			return err
		}
	}
	assetCount, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	a.Assets = make([]state.AssetRecord, assetCount)
	for i := range a.Assets {
		if err := dec.Decode(&a.Assets[i]); err != nil {
			return err
		}
	}
	return nil
}

// setAssetsPayload is the wire shape of a PROTO_FAF_SET_ASSETS body:
// [agentcores, assets].
type setAssetsPayload struct {
	Peers  []peerWire
	Assets []state.AssetRecord
}

func (s *setAssetsPayload) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("hub: set assets: expected 2 elements, got %d", n)
	}
	peerCount, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	s.Peers = make([]peerWire, peerCount)
	for i := range s.Peers {
		if err := dec.Decode(&s.Peers[i]); err != nil {
			return err
		}
	}
	assetCount, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	s.Assets = make([]state.AssetRecord, assetCount)
	for i := range s.Assets {
		if err := dec.Decode(&s.Assets[i]); err != nil {
			return err
		}
	}
	return nil
}
