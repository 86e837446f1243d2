// Package session implements the generic request/response layer shared by
// every socket in this system: correlation-id allocation, a pending-request
// table with per-request timers, and fire-and-forget writes. Routing a
// received frame to the right handler (and deciding which frame types are
// "responses" that complete a pending request) is the job of the
// type-specific protocol built on top — see internal/hub, internal/probeserver,
// and internal/rapp.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/infrasonar/agentcore/internal/codec"
)

// ErrTimeout is returned by Request when no response arrives before the
// deadline passed to it.
var ErrTimeout = errors.New("session: request timed out")

// PeerError wraps an error frame sent back by the remote end (RES_ERR,
// RAPP_ERR, ...). The message is whatever the peer's error body decoded to.
type PeerError struct {
	Message string
}

func (e *PeerError) Error() string { return "session: peer error: " + e.Message }

// ErrClosed is returned by Request/Send once the session's connection has
// been lost.
var ErrClosed = errors.New("session: connection closed")

type pendingRequest struct {
	ch    chan result
	timer *time.Timer
}

type result struct {
	pkg *codec.Package
	err error
}

// Session owns one TCP/TLS connection: a single reader goroutine dispatches
// incoming frames, and writes are serialized through writeMu so they never
// overlap. It is embedded (by value of its exported API, not its fields) by
// the hub/probeserver/rapp session types, which supply the per-type
// dispatch table.
type Session struct {
	conn   net.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint16]*pendingRequest
	nextPID uint16
	closed  bool
}

// New wraps an established connection. The caller is responsible for
// starting ReadLoop in its own goroutine.
func New(conn net.Conn, logger *zap.Logger) *Session {
	return &Session{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint16]*pendingRequest),
	}
}

// Conn returns the underlying connection, e.g. so the caller can set
// deadlines or inspect the remote address.
func (s *Session) Conn() net.Conn { return s.conn }

// allocPID returns the next correlation id, wrapping modulo 2^16 and
// skipping 0 (0 is reserved for fire-and-forget packages) as well as any id
// still held by a pending request. Callers hold s.mu.
func (s *Session) allocPID() uint16 {
	for {
		s.nextPID++
		if s.nextPID == 0 {
			s.nextPID = 1
		}
		if _, busy := s.pending[s.nextPID]; !busy {
			return s.nextPID
		}
	}
}

// Send writes pkg as fire-and-forget: PID is left as whatever the caller
// set (normally 0) and no response is awaited.
func (s *Session) Send(pkg *codec.Package) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.write(pkg)
}

// Request assigns the next correlation id to pkg, writes it, and blocks
// until a matching response is delivered via Complete, the timeout elapses,
// or ctx is cancelled.
func (s *Session) Request(ctx context.Context, pkg *codec.Package, timeout time.Duration) (*codec.Package, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	pid := s.allocPID()
	pkg.PID = pid

	pr := &pendingRequest{ch: make(chan result, 1)}
	pr.timer = time.AfterFunc(timeout, func() {
		s.timeoutPID(pid)
	})
	s.pending[pid] = pr
	s.mu.Unlock()

	if err := s.write(pkg); err != nil {
		s.mu.Lock()
		delete(s.pending, pid)
		s.mu.Unlock()
		pr.timer.Stop()
		return nil, fmt.Errorf("session: write failed: %w", err)
	}

	select {
	case res := <-pr.ch:
		return res.pkg, res.err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, pid)
		s.mu.Unlock()
		pr.timer.Stop()
		return nil, ctx.Err()
	}
}

func (s *Session) write(pkg *codec.Package) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(pkg.ToBytes())
	return err
}

func (s *Session) timeoutPID(pid uint16) {
	s.mu.Lock()
	pr, ok := s.pending[pid]
	if ok {
		delete(s.pending, pid)
	}
	s.mu.Unlock()
	if !ok {
		// Already completed normally; nothing to do.
		return
	}
	pr.ch <- result{err: ErrTimeout}
}

// Complete delivers result to the pending request registered under pid. It
// returns false (and logs) if pid is unknown — most commonly a late arrival
// after the request already timed out.
func (s *Session) Complete(pid uint16, pkg *codec.Package, err error) bool {
	s.mu.Lock()
	pr, ok := s.pending[pid]
	if ok {
		delete(s.pending, pid)
	}
	s.mu.Unlock()
	if !ok {
		if s.logger != nil {
			s.logger.Debug("response for unknown or timed-out pid", zap.Uint16("pid", pid))
		}
		return false
	}
	pr.timer.Stop()
	pr.ch <- result{pkg: pkg, err: err}
	return true
}

// ReadLoop reads frames from the connection until it is closed or an
// unrecoverable I/O error occurs, feeding each complete frame to handle. It
// is the single reader for this connection — handle must not block for
// long, as that delays decoding of subsequent frames.
func (s *Session) ReadLoop(handle func(pkg *codec.Package)) error {
	dec := &codec.Decoder{}
	buf := make([]byte, 64*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			pkgs, decErr := dec.Feed(buf[:n])
			for _, pkg := range pkgs {
				handle(pkg)
			}
			if decErr != nil && s.logger != nil {
				s.logger.Error("frame decode error; resynchronizing", zap.Error(decErr))
			}
		}
		if err != nil {
			s.Close()
			return err
		}
	}
}

// Close marks the session closed, fails Send/Request going forward, and
// closes the underlying connection. Pending requests are left to expire on
// their own timers, matching the base specification's conservative choice
// at connection_lost (see SPEC_FULL.md §7).
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.conn.Close()
}

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
