package control

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/distributed-systems-labs/corelink/pkg/identity"
	"github.com/distributed-systems-labs/corelink/pkg/node"
)

func startTestServer(t *testing.T) (*Server, net.Conn) {
	t.Helper()

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	storage := t.TempDir()
	n, err := node.New(id, node.Config{StoragePath: storage})
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := n.Start(ctx); err != nil {
		t.Fatalf("node.Start: %v", err)
	}

	server := NewServer(n, storage)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	go server.Serve(ctx, listener)

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		listener.Close()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		n.Stop(stopCtx)
		cancel()
	})
	return server, conn
}

func roundTrip(t *testing.T, conn net.Conn, req Request) Response {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		t.Fatalf("encode request: %v", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != req.ID {
		t.Errorf("response id = %q, want %q", resp.ID, req.ID)
	}
	return resp
}

func TestInfoReturnsNodeIdentity(t *testing.T) {
	server, conn := startTestServer(t)

	resp := roundTrip(t, conn, Request{Method: "info", ID: "1"})
	if resp.Error != "" {
		t.Fatalf("info error: %s", resp.Error)
	}

	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result type %T", resp.Result)
	}
	if result["node_id"] != server.node.NodeId().String() {
		t.Errorf("node_id = %v, want %s", result["node_id"], server.node.NodeId())
	}
	if result["state"] != "running" {
		t.Errorf("state = %v, want running", result["state"])
	}
}

func TestOfferFile(t *testing.T) {
	_, conn := startTestServer(t)

	resp := roundTrip(t, conn, Request{Method: "offer_file", ID: "2", Params: map[string]interface{}{}})
	if resp.Error == "" {
		t.Error("offer_file without path should fail")
	}

	path := filepath.Join(t.TempDir(), "shared.txt")
	if err := os.WriteFile(path, []byte("some shared bytes"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	resp = roundTrip(t, conn, Request{
		Method: "offer_file",
		ID:     "3",
		Params: map[string]interface{}{"path": path},
	})
	if resp.Error != "" {
		t.Fatalf("offer_file error: %s", resp.Error)
	}
	result := resp.Result.(map[string]interface{})
	if result["file_id"] == "" {
		t.Error("offer_file returned no file_id")
	}
	if result["name"] != "shared.txt" {
		t.Errorf("name = %v, want shared.txt", result["name"])
	}
}

func TestCancelUnknownDownload(t *testing.T) {
	_, conn := startTestServer(t)

	resp := roundTrip(t, conn, Request{
		Method: "cancel_download",
		ID:     "4",
		Params: map[string]interface{}{"file_id": "no-such-file"},
	})
	if resp.Error == "" {
		t.Error("cancelling an unknown download should fail")
	}
}

func TestPeersInitiallyEmpty(t *testing.T) {
	_, conn := startTestServer(t)

	resp := roundTrip(t, conn, Request{Method: "peers", ID: "5"})
	if resp.Error != "" {
		t.Fatalf("peers error: %s", resp.Error)
	}
	result := resp.Result.(map[string]interface{})
	peers, ok := result["peers"].([]interface{})
	if !ok {
		t.Fatalf("peers type %T", result["peers"])
	}
	if len(peers) != 0 {
		t.Errorf("expected no peers, got %d", len(peers))
	}
}

func TestUnknownMethod(t *testing.T) {
	_, conn := startTestServer(t)

	resp := roundTrip(t, conn, Request{Method: "frobnicate", ID: "6"})
	if resp.Error == "" {
		t.Error("unknown method should produce an error response")
	}
}
