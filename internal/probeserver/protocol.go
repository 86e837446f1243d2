// Package probeserver implements the TCP listener that local probe
// collector processes connect to in order to announce themselves and
// receive their check assignments. It is the Go realization of
// original_source/agentcore/connection/probeserverprotocol.py and the
// init_probe_server half of connection/__init__.py.
package probeserver

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Wire message types exchanged with a probe collector, values unchanged
// from the reference protocol.
const (
	FAFDump         uint8 = 0x00
	ReqAnnounce     uint8 = 0x01
	FAFSetAssets    uint8 = 0x02 // overwrites all assets for this probe
	ReqInfo         uint8 = 0x03
	FAFUpsertAsset  uint8 = 0x04 // overwrite/add a single asset
	FAFUnsetAssets  uint8 = 0x05 // remove given assets
	ReqUploadFile   uint8 = 0x07
	ReqDownloadFile uint8 = 0x08

	ResAnnounce     uint8 = 0x81
	ResInfo         uint8 = 0x82
	ResErr          uint8 = 0xe0
	ResUploadFile   uint8 = 0xe3
	ResDownloadFile uint8 = 0xe4
)

// announcePayload is the wire shape of a PROTO_REQ_ANNOUNCE body:
// [probe_key, probe_version].
type announcePayload struct {
	Key     string
	Version string
}

func (a *announcePayload) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("probeserver: announce: expected 2 elements, got %d", n)
	}
	if a.Key, err = dec.DecodeString(); err != nil {
		return err
	}
	if a.Version, err = dec.DecodeString(); err != nil {
		return err
	}
	return nil
}

func (a announcePayload) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeString(a.Key); err != nil {
		return err
	}
	return enc.EncodeString(a.Version)
}
