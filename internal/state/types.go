package state

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// CheckSpec is one check within a probe's check list, as received from the
// hub: the wire array [check_id, check_key, interval, check_config|nil].
type CheckSpec struct {
	CheckID     int64
	CheckKey    string
	Interval    int64
	CheckConfig map[string]any // may be nil
}

func (c *CheckSpec) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 4 {
		return fmt.Errorf("state: check entry: expected 4 elements, got %d", n)
	}
	if c.CheckID, err = dec.DecodeInt64(); err != nil {
		return err
	}
	if c.CheckKey, err = dec.DecodeString(); err != nil {
		return err
	}
	if c.Interval, err = dec.DecodeInt64(); err != nil {
		return err
	}
	v, err := dec.DecodeInterface()
	if err != nil {
		return err
	}
	c.CheckConfig = toStringMap(v)
	return nil
}

func (c CheckSpec) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(4); err != nil {
		return err
	}
	if err := enc.EncodeInt64(c.CheckID); err != nil {
		return err
	}
	if err := enc.EncodeString(c.CheckKey); err != nil {
		return err
	}
	if err := enc.EncodeInt64(c.Interval); err != nil {
		return err
	}
	return enc.Encode(anyMap(c.CheckConfig))
}

// ProbeSpec is one probe entry within an asset record: the wire array
// [probe_key, probe_config|nil, checks].
type ProbeSpec struct {
	ProbeKey    string
	ProbeConfig map[string]any // may be nil
	Checks      []CheckSpec
}

func (p *ProbeSpec) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 3 {
		return fmt.Errorf("state: probe entry: expected 3 elements, got %d", n)
	}
	if p.ProbeKey, err = dec.DecodeString(); err != nil {
		return err
	}
	v, err := dec.DecodeInterface()
	if err != nil {
		return err
	}
	p.ProbeConfig = toStringMap(v)

	count, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	p.Checks = make([]CheckSpec, count)
	for i := 0; i < count; i++ {
		if err := dec.Decode(&p.Checks[i]); err != nil {
			return err
		}
	}
	return nil
}

func (p ProbeSpec) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.EncodeString(p.ProbeKey); err != nil {
		return err
	}
	if err := enc.Encode(anyMap(p.ProbeConfig)); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(p.Checks)); err != nil {
		return err
	}
	for _, c := range p.Checks {
		if err := enc.Encode(c); err != nil {
			return err
		}
	}
	return nil
}

// AssetRecord is the wire shape sent by the hub for one monitored asset:
// [asset_id, asset_zone, asset_name, probes].
type AssetRecord struct {
	AssetID   int64
	AssetZone int64
	AssetName string
	Probes    []ProbeSpec
}

func (a *AssetRecord) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 4 {
		return fmt.Errorf("state: asset record: expected 4 elements, got %d", n)
	}
	if a.AssetID, err = dec.DecodeInt64(); err != nil {
		return err
	}
	if a.AssetZone, err = dec.DecodeInt64(); err != nil {
		return err
	}
	if a.AssetName, err = dec.DecodeString(); err != nil {
		return err
	}
	count, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	a.Probes = make([]ProbeSpec, count)
	for i := 0; i < count; i++ {
		if err := dec.Decode(&a.Probes[i]); err != nil {
			return err
		}
	}
	return nil
}

func (a AssetRecord) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(4); err != nil {
		return err
	}
	if err := enc.EncodeInt64(a.AssetID); err != nil {
		return err
	}
	if err := enc.EncodeInt64(a.AssetZone); err != nil {
		return err
	}
	if err := enc.EncodeString(a.AssetName); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(a.Probes)); err != nil {
		return err
	}
	for _, p := range a.Probes {
		if err := enc.Encode(p); err != nil {
			return err
		}
	}
	return nil
}

// CheckEntry is the stored, flattened per-probe check record: the wire
// triple [path, names, config] described in spec.md §3.
type CheckEntry struct {
	Path   [2]int64  // [asset_id, check_id]
	Names  [2]string // [asset_name, check_key]
	Config map[string]any
}

func (c *CheckEntry) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 3 {
		return fmt.Errorf("state: check entry: expected 3 elements, got %d", n)
	}
	if m, err := dec.DecodeArrayLen(); err != nil || m != 2 {
		if err != nil {
			return err
		}
		return fmt.Errorf("state: check entry path: expected 2 elements, got %d", m)
	}
	if c.Path[0], err = dec.DecodeInt64(); err != nil {
		return err
	}
	if c.Path[1], err = dec.DecodeInt64(); err != nil {
		return err
	}
	if m, err := dec.DecodeArrayLen(); err != nil || m != 2 {
		if err != nil {
			return err
		}
		return fmt.Errorf("state: check entry names: expected 2 elements, got %d", m)
	}
	if c.Names[0], err = dec.DecodeString(); err != nil {
		return err
	}
	if c.Names[1], err = dec.DecodeString(); err != nil {
		return err
	}
	v, err := dec.DecodeInterface()
	if err != nil {
		return err
	}
	c.Config = toStringMap(v)
	return nil
}

func (c CheckEntry) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeInt64(c.Path[0]); err != nil {
		return err
	}
	if err := enc.EncodeInt64(c.Path[1]); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeString(c.Names[0]); err != nil {
		return err
	}
	if err := enc.EncodeString(c.Names[1]); err != nil {
		return err
	}
	return enc.Encode(anyMap(c.Config))
}

// toStringMap normalizes a decoded msgpack value (nil, or
// map[string]interface{}) into map[string]any, returning nil for a
// msgpack nil — mirroring the Python side's `probe_config or {}` handling
// one level up, at merge time (see mergeConfig in state.go).
func toStringMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}

// anyMap returns v typed as `any` so a nil map[string]any encodes as
// msgpack nil rather than an empty map, matching the wire contract that
// probe_config/check_config may be nil.
func anyMap(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}
