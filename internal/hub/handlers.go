package hub

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/infrasonar/agentcore/internal/codec"
	"github.com/infrasonar/agentcore/internal/session"
	"github.com/infrasonar/agentcore/internal/state"
)

func (c *Client) dispatch(ctx context.Context, pkg *codec.Package) {
	switch pkg.Type {
	case ResAnnounce:
		c.onResAnnounce(pkg)
	case FAFSetAssets:
		c.onSetAssets(pkg)
	case ReqInfo:
		go c.onReqInfo(ctx, pkg)
	case ReqRapp:
		go c.onReqRapp(ctx, pkg)
	case FAFUpsertAsset:
		c.onUpsertAsset(pkg)
	case FAFUnsetAssets:
		c.onUnsetAssets(pkg)
	case ResErr:
		c.onResErr(pkg)
	case ResOK:
		c.onResOK(pkg)
	case ResUploadFile, ResDownloadFile:
		c.onResOK(pkg)
	default:
		if c.logger != nil {
			c.logger.Error("unhandled hub package type", zap.Uint8("type", pkg.Type))
		}
	}
}

// onResAnnounce completes the pending announce request. It only unblocks the
// waiting Request call; the actual processing (set agentcore id/zones/assets)
// is done by announce() once that call returns, matching
// _on_res_announce's future.set_result(None).
func (c *Client) onResAnnounce(pkg *codec.Package) {
	c.mu.RLock()
	sess := c.sess
	c.mu.RUnlock()
	if sess != nil {
		sess.Complete(pkg.PID, pkg, nil)
	}
}

func (c *Client) onSetAssets(pkg *codec.Package) {
	var body setAssetsPayload
	if err := pkg.Decode(&body); err != nil {
		if c.logger != nil {
			c.logger.Error("ac set assets failed", zap.Error(err))
		}
		return
	}
	if c.logger != nil {
		c.logger.Info("ac set assets", zap.Int("num_assets", len(body.Assets)))
	}
	c.state.SetZones(toZonePeers(body.Peers))
	c.state.SetAssets(body.Assets)
}

func (c *Client) onUpsertAsset(pkg *codec.Package) {
	var asset state.AssetRecord
	if err := pkg.Decode(&asset); err != nil {
		if c.logger != nil {
			c.logger.Error("ac upsert asset failed", zap.Error(err))
		}
		return
	}
	if c.logger != nil {
		c.logger.Info("ac upsert asset", zap.Int64("asset_id", asset.AssetID))
	}
	c.state.UpsertAsset(asset)
}

func (c *Client) onUnsetAssets(pkg *codec.Package) {
	var ids []int64
	if err := pkg.Decode(&ids); err != nil {
		if c.logger != nil {
			c.logger.Error("ac unset assets failed", zap.Error(err))
		}
		return
	}
	if c.logger != nil {
		c.logger.Info("ac unset assets", zap.Int("num_assets", len(ids)))
	}
	c.state.UnsetAssets(ids)
}

// onReqInfo builds the heartbeat snapshot via the injected InfoSource and
// replies with PROTO_RES_INFO — the Go counterpart of hubprotocol.py's
// _req_info, with the host-metrics field added per SPEC_FULL.md §6.
func (c *Client) onReqInfo(ctx context.Context, pkg *codec.Package) {
	if c.logger != nil {
		c.logger.Debug("ac heartbeat")
	}

	var body map[string]any
	if c.info != nil {
		body = c.info.CollectInfo(ctx)
	} else {
		body = map[string]any{}
	}

	resp, err := codec.Make(ResInfo, pkg.PID, pkg.PartID, body, false)
	if err != nil {
		if c.logger != nil {
			c.logger.Error("failed to encode info response", zap.Error(err))
		}
		return
	}
	c.mu.RLock()
	sess := c.sess
	c.mu.RUnlock()
	if sess != nil {
		if err := sess.Send(resp); err != nil && c.logger != nil {
			c.logger.Debug("failed to write info response", zap.Error(err))
		}
	}
}

// reqRappPayload is the wire shape of a PROTO_REQ_RAPP request body:
// {"protocol": <rapp type>, "data": <opaque|nil>}.
type reqRappPayload struct {
	Protocol uint8
	Data     any
}

// onReqRapp forwards a hub-initiated remote-appliance request to the
// connected rapp sibling process, or immediately replies PROTO_RAPP_NO_CONNECTION
// if none is connected — the Go counterpart of hubprotocol.py's _req_rapp.
func (c *Client) onReqRapp(ctx context.Context, pkg *codec.Package) {
	var req map[string]any
	if err := pkg.Decode(&req); err != nil {
		if c.logger != nil {
			c.logger.Error("failed to decode rapp request", zap.Error(err))
		}
		return
	}

	protocol := toUint8(req["protocol"])
	data := req["data"]

	const rappNoConnection uint8 = 0x52

	var result map[string]any
	handle := c.state.GetRapp()
	if handle == nil || !handle.IsConnected() {
		result = map[string]any{"protocol": rappNoConnection}
	} else {
		reqCtx, cancel := context.WithTimeout(ctx, rappTimeout)
		tp, respData, err := handle.Forward(reqCtx, protocol, data, data == nil, rappTimeout)
		cancel()
		if err != nil {
			result = map[string]any{"protocol": rappNoConnection, "data": map[string]any{"reason": err.Error()}}
		} else {
			result = map[string]any{"protocol": tp, "data": respData}
		}
	}

	resp, err := codec.Make(ResRapp, pkg.PID, pkg.PartID, result, false)
	if err != nil {
		if c.logger != nil {
			c.logger.Error("failed to encode rapp response", zap.Error(err))
		}
		return
	}
	c.mu.RLock()
	sess := c.sess
	c.mu.RUnlock()
	if sess != nil {
		if err := sess.Send(resp); err != nil && c.logger != nil {
			c.logger.Debug("failed to write rapp response", zap.Error(err))
		}
	}
}

func (c *Client) onResErr(pkg *codec.Package) {
	var msg string
	if err := pkg.Decode(&msg); err != nil {
		msg = fmt.Sprintf("unreadable error body: %v", err)
	}
	c.mu.RLock()
	sess := c.sess
	c.mu.RUnlock()
	if sess != nil {
		sess.Complete(pkg.PID, nil, &session.PeerError{Message: msg})
	}
}

// toUint8 normalizes a msgpack-decoded integer (which may surface as any of
// Go's signed/unsigned integer types depending on its wire width) into a
// uint8 protocol code.
func toUint8(v any) uint8 {
	switch n := v.(type) {
	case int8:
		return uint8(n)
	case int16:
		return uint8(n)
	case int32:
		return uint8(n)
	case int64:
		return uint8(n)
	case int:
		return uint8(n)
	case uint8:
		return n
	case uint16:
		return uint8(n)
	case uint32:
		return uint8(n)
	case uint64:
		return uint8(n)
	default:
		return 0
	}
}

func (c *Client) onResOK(pkg *codec.Package) {
	c.mu.RLock()
	sess := c.sess
	c.mu.RUnlock()
	if sess != nil {
		sess.Complete(pkg.PID, pkg, nil)
	}
}
