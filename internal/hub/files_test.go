package hub

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/infrasonar/agentcore/internal/codec"
	"github.com/infrasonar/agentcore/internal/session"
)

func TestUploadFileRoundTrip(t *testing.T) {
	serverConn, hubEndConn := net.Pipe()
	defer serverConn.Close()
	defer hubEndConn.Close()

	c := &Client{}
	c.sess = session.New(serverConn, nil)
	go c.sess.ReadLoop(func(pkg *codec.Package) {
		c.sess.Complete(pkg.PID, pkg, nil)
	})

	hubSess := session.New(hubEndConn, nil)
	go hubSess.ReadLoop(func(pkg *codec.Package) {
		if pkg.Type == ReqUploadFile {
			resp, _ := codec.Make(ResUploadFile, pkg.PID, pkg.PartID, map[string]any{"stored": true}, false)
			hubSess.Send(resp)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := c.UploadFile(ctx, map[string]any{"name": "diag.tar.gz"})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["stored"] != true {
		t.Fatalf("unexpected upload result: %+v", result)
	}
}

func TestDownloadFileWithoutConnectionFails(t *testing.T) {
	c := &Client{}
	_, err := c.DownloadFile(context.Background(), map[string]any{"path": "x"})
	if err == nil {
		t.Fatal("expected an error when no hub session is connected")
	}
}
