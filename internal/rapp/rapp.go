// Package rapp implements the sibling-process (remote appliance) proxy
// connection: a single TCP listener that accepts exactly one connection at
// a time from a local helper process, keeps it alive with periodic pings,
// and forwards hub-initiated PROTO_REQ_RAPP requests to it. It is the Go
// realization of original_source/agentcore/connection/rappprotocol.py and
// the init_rapp half of connection/__init__.py.
package rapp

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/infrasonar/agentcore/internal/codec"
	"github.com/infrasonar/agentcore/internal/session"
	"github.com/infrasonar/agentcore/internal/state"
)

// Wire message types exchanged with the rapp sibling process.
const (
	Ping   uint8 = 0x40
	Read   uint8 = 0x41
	Push   uint8 = 0x42
	Update uint8 = 0x43
	Log    uint8 = 0x44

	Res       uint8 = 0x50
	NoAC      uint8 = 0x51
	NoConn    uint8 = 0x52
	Busy      uint8 = 0x53
	Err       uint8 = 0x54
)

const keepaliveInterval = 3 * time.Second
const keepaliveTimeout = 10 * time.Second

// Session is the single live rapp connection. It implements
// state.RappHandle so internal/hub can forward REQ_RAPP requests without
// importing this package.
type Session struct {
	*session.Session
	logger *zap.Logger
}

// IsConnected implements state.RappHandle.
func (s *Session) IsConnected() bool {
	return s != nil && !s.Session.IsClosed()
}

// Forward sends a request of the given type/body to the rapp process and
// returns the protocol/data pair it replies with, wrapping the result the
// same way _on_rapp does: a decode failure or bare timeout is reported back
// as a structured PROTO_RAPP_ERR-shaped result rather than as a Go error,
// so onReqRapp in internal/hub can relay it to the hub verbatim.
func (s *Session) Forward(ctx context.Context, tp uint8, data any, isBinary bool, timeout time.Duration) (uint8, any, error) {
	if isBinary && data == nil {
		data = []byte{}
	}
	pkg, err := codec.Make(tp, 0, 0, data, isBinary)
	if err != nil {
		return Err, map[string]any{"reason": err.Error()}, nil
	}
	resp, err := s.Request(ctx, pkg, timeout)
	if err != nil {
		return Err, map[string]any{"reason": err.Error()}, nil
	}
	var body any
	if err := resp.Decode(&body); err != nil {
		return Err, map[string]any{"reason": err.Error()}, nil
	}
	return resp.Type, body, nil
}

// Server accepts at most one rapp connection at a time.
type Server struct {
	addr   string
	state  *state.State
	logger *zap.Logger
}

// New constructs a Server bound to addr (":8770" by default).
func New(addr string, st *state.State, logger *zap.Logger) *Server {
	return &Server{addr: addr, state: st, logger: logger}
}

// Serve binds the listener and accepts connections until ctx is cancelled.
func (srv *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return fmt.Errorf("rapp: listen %s: %w", srv.addr, err)
	}
	if srv.logger != nil {
		srv.logger.Info("listening for rapp", zap.String("addr", srv.addr))
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
				return fmt.Errorf("rapp: accept: %w", err)
			}
		}
		srv.handleConn(ctx, conn)
	}
}

func (srv *Server) handleConn(ctx context.Context, conn net.Conn) {
	if existing := srv.state.GetRapp(); existing != nil && existing.IsConnected() {
		if srv.logger != nil {
			srv.logger.Warn("rapp already connected; rejecting new connection")
		}
		conn.Close()
		return
	}

	sess := &Session{Session: session.New(conn, srv.logger), logger: srv.logger}
	srv.state.SetRapp(sess)
	if srv.logger != nil {
		srv.logger.Info("rapp connected")
	}

	connCtx, cancel := context.WithCancel(ctx)

	go sess.keepaliveLoop(connCtx)

	go func() {
		defer cancel()
		defer func() {
			srv.state.SetRapp(nil)
			if srv.logger != nil {
				srv.logger.Info("rapp connection lost")
			}
		}()
		err := sess.ReadLoop(func(pkg *codec.Package) {
			srv.dispatch(sess, pkg)
		})
		if err != nil && srv.logger != nil {
			srv.logger.Debug("rapp connection closed", zap.Error(err))
		}
	}()
}

// keepaliveLoop pings the rapp process every 3 seconds with a 10 second
// deadline, closing the connection (and exiting the loop) on any failure —
// a request timeout, a cancelled parent context, or a write error.
func (s *Session) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pkg, err := codec.Make(Read, 0, 0, nil, false)
			if err != nil {
				return
			}
			reqCtx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
			_, err = s.Request(reqCtx, pkg, keepaliveTimeout)
			cancel()
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("error on ping rapp", zap.Error(err))
				}
				s.Close()
				return
			}
			if s.logger != nil {
				s.logger.Debug("rapp keepalive")
			}
		}
	}
}

func (srv *Server) dispatch(sess *Session, pkg *codec.Package) {
	switch pkg.Type {
	case Res, Busy, Err:
		sess.Complete(pkg.PID, pkg, nil)
	default:
		if srv.logger != nil {
			srv.logger.Error("unhandled rapp package type; closing connection", zap.Uint8("type", pkg.Type))
		}
		sess.Close()
	}
}
