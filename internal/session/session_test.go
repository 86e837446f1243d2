package session

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/infrasonar/agentcore/internal/codec"
)

func newPipe(t *testing.T) (*Session, *Session) {
	t.Helper()
	a, b := net.Pipe()
	return New(a, nil), New(b, nil)
}

func TestRequestResponseRoundTrip(t *testing.T) {
	client, server := newPipe(t)
	defer client.Close()
	defer server.Close()

	go server.ReadLoop(func(pkg *codec.Package) {
		resp, _ := codec.Make(0x81, pkg.PID, pkg.PartID, "pong", false)
		server.Send(resp)
	})
	go client.ReadLoop(func(pkg *codec.Package) {
		client.Complete(pkg.PID, pkg, nil)
	})

	req, _ := codec.Make(0x01, 0, 0, "ping", false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := client.Request(ctx, req, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body string
	if err := resp.Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body != "pong" {
		t.Fatalf("expected pong, got %q", body)
	}
}

func TestRequestTimesOut(t *testing.T) {
	client, server := newPipe(t)
	defer client.Close()
	defer server.Close()

	// Server never replies.
	go server.ReadLoop(func(pkg *codec.Package) {})

	req, _ := codec.Make(0x01, 0, 0, "ping", false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Request(ctx, req, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestPIDNeverReusedWhilePending(t *testing.T) {
	conn, _ := net.Pipe()
	defer conn.Close()
	s := New(conn, nil)

	seen := make(map[uint16]bool)
	for i := 0; i < 10; i++ {
		pid := s.allocPID()
		if seen[pid] {
			t.Fatalf("pid %d reused", pid)
		}
		seen[pid] = true
	}
}

func TestPIDAllocationSkipsZeroOnWrap(t *testing.T) {
	conn, _ := net.Pipe()
	defer conn.Close()
	s := New(conn, nil)
	s.nextPID = 0xFFFE

	first := s.allocPID() // -> 0xFFFF
	if first != 0xFFFF {
		t.Fatalf("expected 0xFFFF, got %#x", first)
	}
	second := s.allocPID() // wraps past 0 straight to 1
	if second != 1 {
		t.Fatalf("expected wrap to skip 0 and land on 1, got %d", second)
	}
}

func TestCompleteUnknownPIDIsNoop(t *testing.T) {
	conn, _ := net.Pipe()
	defer conn.Close()
	s := New(conn, nil)

	if s.Complete(999, nil, nil) {
		t.Fatal("expected Complete on an unknown pid to report false")
	}
}

func TestRequestAfterCloseFails(t *testing.T) {
	conn, _ := net.Pipe()
	s := New(conn, nil)
	s.Close()

	req, _ := codec.Make(0x01, 0, 0, "ping", false)
	_, err := s.Request(context.Background(), req, time.Second)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
