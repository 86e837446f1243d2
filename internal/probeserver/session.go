package probeserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/infrasonar/agentcore/internal/codec"
	"github.com/infrasonar/agentcore/internal/session"
	"github.com/infrasonar/agentcore/internal/state"
)

// FileTransfer abstracts the upload/download file handlers the hub exposes
// through State in the reference implementation (State.upload_file /
// State.download_file). Supplying it lets the probe server forward file
// transfer requests without importing internal/hub.
type FileTransfer interface {
	UploadFile(ctx context.Context, data any) (any, error)
	DownloadFile(ctx context.Context, data any) (any, error)
}

// HubQueue is the subset of the hub client the probe server needs in order
// to forward a PROTO_FAF_DUMP (a probe asking to re-send its own data
// upstream) onto the outbound queue.
type HubQueue interface {
	Enqueue(pkg *codec.Package)
}

// Session is one connected probe collector. It implements
// state.ProbeSession so the dispatcher can address it directly.
type Session struct {
	*session.Session

	state   *state.State
	hub     HubQueue
	files   FileTransfer
	logger  *zap.Logger
	mu      sync.Mutex
	probeKey string
	version  string
}

func newSession(conn net.Conn, st *state.State, hub HubQueue, files FileTransfer, logger *zap.Logger) *Session {
	return &Session{
		Session: session.New(conn, logger),
		state:   st,
		hub:     hub,
		files:   files,
		logger:  logger,
	}
}

// ProbeKey returns the announced probe_key, or "" before announce completes.
func (s *Session) ProbeKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probeKey
}

func (s *Session) setIdentity(key, version string) {
	s.mu.Lock()
	s.probeKey = key
	s.version = version
	s.mu.Unlock()
}

// SendSetAssets implements state.ProbeSession.
func (s *Session) SendSetAssets(entries []state.CheckEntry) error {
	return s.sendFAF(FAFSetAssets, entries)
}

// upsertAssetPayload is the wire shape of a PROTO_FAF_UPSERT_ASSET body sent
// to a probe: [asset_id, entries] — spec.md §4.4 upsert_asset.
type upsertAssetPayload struct {
	AssetID int64
	Entries []state.CheckEntry
}

func (u upsertAssetPayload) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeInt64(u.AssetID); err != nil {
		return err
	}
	if u.Entries == nil {
		u.Entries = []state.CheckEntry{}
	}
	return enc.Encode(u.Entries)
}

// SendUpsertAsset implements state.ProbeSession. A nil/empty entries slice
// still upserts an empty set for the asset, matching the reference
// implementation's behavior of always forwarding whatever flattenAsset
// produced (possibly nothing, if the asset has no checks for this probe).
func (s *Session) SendUpsertAsset(assetID int64, entries []state.CheckEntry) error {
	return s.sendFAF(FAFUpsertAsset, upsertAssetPayload{AssetID: assetID, Entries: entries})
}

// SendUnsetAssets implements state.ProbeSession.
func (s *Session) SendUnsetAssets(assetIDs []int64) error {
	return s.sendFAF(FAFUnsetAssets, assetIDs)
}

func (s *Session) sendFAF(tp uint8, data any) error {
	pkg, err := codec.Make(tp, 0, 0, data, false)
	if err != nil {
		return fmt.Errorf("probeserver: encode faf %#x: %w", tp, err)
	}
	return s.Send(pkg)
}

// Heartbeat sends PROTO_REQ_INFO and waits up to timeout for the probe's
// reply. On any failure it returns timestamp=1 so a single unresponsive
// probe never fails the whole heartbeat aggregation — matching
// on_heartbeat in the reference implementation.
func (s *Session) Heartbeat(ctx context.Context, timeout time.Duration) (probeTimestamp int64, roundtrip time.Duration, err error) {
	start := time.Now()
	pkg, encErr := codec.Make(ReqInfo, 0, 0, nil, false)
	if encErr != nil {
		return 1, time.Since(start), encErr
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, reqErr := s.Request(reqCtx, pkg, timeout)
	if reqErr != nil {
		return 1, time.Since(start), reqErr
	}
	var ts int64
	if decErr := resp.Decode(&ts); decErr != nil {
		return 1, time.Since(start), decErr
	}
	return ts, time.Since(start), nil
}

// Version returns the probe's announced collector version.
func (s *Session) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}
