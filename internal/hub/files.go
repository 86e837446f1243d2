package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/infrasonar/agentcore/internal/codec"
	"github.com/infrasonar/agentcore/internal/session"
)

// Wire message types used to proxy a probe's upload/download file request up
// to the hub. These reuse the same opcodes the probe-server protocol defines
// for the symmetric probe-facing request, since both legs of the relay speak
// the same framed request/response protocol — see SPEC_FULL.md §6 item 6.
const (
	ReqUploadFile   uint8 = 0x07
	ReqDownloadFile uint8 = 0x08
	ResUploadFile   uint8 = 0xe3
	ResDownloadFile uint8 = 0xe4
)

// fileTransferTimeout bounds a single upload/download round trip with the
// hub. It is intentionally longer than the general request timeout: a probe
// diagnostic bundle can be several megabytes.
const fileTransferTimeout = 30 * time.Second

// UploadFile implements probeserver.FileTransfer: it forwards a probe's
// upload payload to the hub and returns the hub's reply body.
func (c *Client) UploadFile(ctx context.Context, data any) (any, error) {
	return c.fileTransfer(ctx, ReqUploadFile, data)
}

// DownloadFile implements probeserver.FileTransfer: it forwards a probe's
// download request to the hub and returns the hub's reply body.
func (c *Client) DownloadFile(ctx context.Context, data any) (any, error) {
	return c.fileTransfer(ctx, ReqDownloadFile, data)
}

func (c *Client) fileTransfer(ctx context.Context, tp uint8, data any) (any, error) {
	c.mu.RLock()
	sess := c.sess
	c.mu.RUnlock()
	if sess == nil || sess.IsClosed() {
		return nil, fmt.Errorf("hub: file transfer: not connected")
	}

	pkg, err := codec.Make(tp, 0, 0, data, false)
	if err != nil {
		return nil, fmt.Errorf("hub: file transfer: encode request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, fileTransferTimeout)
	defer cancel()
	resp, err := sess.Request(reqCtx, pkg, fileTransferTimeout)
	if err != nil {
		var peerErr *session.PeerError
		if errors.As(err, &peerErr) {
			return nil, fmt.Errorf("hub: file transfer rejected: %s", peerErr.Message)
		}
		return nil, fmt.Errorf("hub: file transfer: %w", err)
	}

	var body any
	if err := resp.Decode(&body); err != nil {
		return nil, fmt.Errorf("hub: file transfer: decode response: %w", err)
	}
	return body, nil
}
