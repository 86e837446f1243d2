package probeserver

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/infrasonar/agentcore/internal/codec"
	"github.com/infrasonar/agentcore/internal/state"
)

// Server listens for local probe collector connections.
type Server struct {
	addr   string
	state  *state.State
	hub    HubQueue
	files  FileTransfer
	logger *zap.Logger
	ln     net.Listener
	ready  chan struct{}
}

// New constructs a Server bound to addr (":8750" by default; see the
// PROBE_SERVER_PORT env var wiring in cmd/agentcore).
func New(addr string, st *state.State, hub HubQueue, files FileTransfer, logger *zap.Logger) *Server {
	return &Server{addr: addr, state: st, hub: hub, files: files, logger: logger, ready: make(chan struct{})}
}

// Addr blocks until Serve has bound its listener (or ctx is cancelled before
// that happens) and returns the bound address. Mainly useful in tests that
// bind to ":0" and need the assigned port.
func (srv *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-srv.ready:
		return srv.ln.Addr(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Serve binds the listener and accepts connections until ctx is cancelled.
func (srv *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return fmt.Errorf("probeserver: listen %s: %w", srv.addr, err)
	}
	srv.ln = ln
	close(srv.ready)
	if srv.logger != nil {
		srv.logger.Info("listening for probes", zap.String("addr", srv.addr))
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("probeserver: accept: %w", err)
			}
		}
		sess := newSession(conn, srv.state, srv.hub, srv.files, srv.logger)
		go srv.serveConn(ctx, sess)
	}
}

func (srv *Server) serveConn(ctx context.Context, sess *Session) {
	defer func() {
		srv.state.RemoveProbe(sess)
		if srv.logger != nil {
			srv.logger.Info("probe collector disconnected", zap.String("probe_key", sess.ProbeKey()))
		}
	}()

	err := sess.ReadLoop(func(pkg *codec.Package) {
		srv.dispatch(ctx, sess, pkg)
	})
	if err != nil && srv.logger != nil {
		srv.logger.Debug("probe connection closed", zap.Error(err))
	}
}

func (srv *Server) dispatch(ctx context.Context, sess *Session, pkg *codec.Package) {
	switch pkg.Type {
	case FAFDump:
		srv.onDump(pkg)
	case ReqAnnounce:
		srv.onAnnounce(sess, pkg)
	case ResInfo:
		sess.Complete(pkg.PID, pkg, nil)
	case ReqUploadFile:
		go srv.onUploadFile(ctx, sess, pkg)
	case ReqDownloadFile:
		go srv.onDownloadFile(ctx, sess, pkg)
	default:
		if srv.logger != nil {
			srv.logger.Error("unhandled probe package type", zap.Uint8("type", pkg.Type))
		}
	}
}

func (srv *Server) onDump(pkg *codec.Package) {
	if srv.hub == nil {
		return
	}
	srv.hub.Enqueue(pkg)
}

func (srv *Server) onAnnounce(sess *Session, pkg *codec.Package) {
	var payload announcePayload
	if err := pkg.Decode(&payload); err != nil {
		srv.failAnnounce(sess, fmt.Errorf("unpack announce response failed: %w", err))
		return
	}

	if srv.logger != nil {
		srv.logger.Info("probe collector announce", zap.String("probe_key", payload.Key), zap.String("version", payload.Version))
	}

	if existing, ok := srv.state.ProbeByKey(payload.Key); ok && existing != nil {
		srv.failAnnounce(sess, fmt.Errorf("got a double probe collector announcement: %s v%s; close the connection", payload.Key, payload.Version))
		return
	}

	entries := srv.state.ChecksForProbe(payload.Key)
	if entries == nil {
		if srv.logger != nil {
			srv.logger.Warn("no assets found for probe collector", zap.String("probe_key", payload.Key))
		}
		entries = []state.CheckEntry{}
	}

	resp, err := codec.Make(ResAnnounce, pkg.PID, pkg.PartID, entries, false)
	if err != nil {
		srv.failAnnounce(sess, fmt.Errorf("failed to encode announce response: %w", err))
		return
	}
	if err := sess.Send(resp); err != nil {
		srv.failAnnounce(sess, fmt.Errorf("failed to write announce response: %w", err))
		return
	}

	sess.setIdentity(payload.Key, payload.Version)
	srv.state.AddProbe(sess)
}

func (srv *Server) failAnnounce(sess *Session, err error) {
	if srv.logger != nil {
		srv.logger.Error("announce failed; closing connection", zap.Error(err))
	}
	sess.Close()
}

func (srv *Server) onUploadFile(ctx context.Context, sess *Session, pkg *codec.Package) {
	if srv.files == nil {
		srv.replyErr(sess, pkg, fmt.Errorf("upload not supported"))
		return
	}
	var data any
	if err := pkg.Decode(&data); err != nil {
		srv.replyErr(sess, pkg, err)
		return
	}
	resp, err := srv.files.UploadFile(ctx, data)
	if err != nil {
		srv.replyErr(sess, pkg, err)
		return
	}
	srv.reply(sess, pkg, ResUploadFile, resp)
}

func (srv *Server) onDownloadFile(ctx context.Context, sess *Session, pkg *codec.Package) {
	if srv.files == nil {
		srv.replyErr(sess, pkg, fmt.Errorf("download not supported"))
		return
	}
	var data any
	if err := pkg.Decode(&data); err != nil {
		srv.replyErr(sess, pkg, err)
		return
	}
	resp, err := srv.files.DownloadFile(ctx, data)
	if err != nil {
		srv.replyErr(sess, pkg, err)
		return
	}
	srv.reply(sess, pkg, ResDownloadFile, resp)
}

func (srv *Server) reply(sess *Session, req *codec.Package, tp uint8, data any) {
	resp, err := codec.Make(tp, req.PID, req.PartID, data, false)
	if err != nil {
		if srv.logger != nil {
			srv.logger.Error("failed to encode probe response", zap.Error(err))
		}
		return
	}
	if err := sess.Send(resp); err != nil && srv.logger != nil {
		srv.logger.Debug("failed to write probe response", zap.Error(err))
	}
}

func (srv *Server) replyErr(sess *Session, req *codec.Package, cause error) {
	msg := cause.Error()
	resp, err := codec.Make(ResErr, req.PID, req.PartID, msg, false)
	if err != nil {
		return
	}
	if err := sess.Send(resp); err != nil && srv.logger != nil {
		srv.logger.Debug("failed to write probe error response", zap.Error(err))
	}
}
