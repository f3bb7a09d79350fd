package server

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/snarelabs/snare/internal/capture"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func waitForRecords(t *testing.T, ts *testStack, subdomain string, want int) []capture.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		records, err := ts.cache.ReadAll(subdomain)
		if err == nil && len(records) >= want {
			return records
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d records on %q", want, subdomain)
	return nil
}

func TestTCPCatcherCapturesConnection(t *testing.T) {
	ts := newTestStack(t)
	sess := ts.mustCreate(t)

	catcher := &TCPCatcher{
		Pipeline:   ts.pipeline,
		SampleSize: 8,
		Logger:     zap.NewNop(),
	}
	defer catcher.CloseAll()

	port := freePort(t)
	if err := catcher.Open(sess.Subdomain, port); err != nil {
		t.Fatalf("Open: %v", err)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	payload := []byte("0123456789abcdef")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.Close()

	records := waitForRecords(t, ts, sess.Subdomain, 1)
	rec := records[0]
	if rec.Kind != capture.KindTCP || rec.TCP == nil {
		t.Fatalf("record = %+v", rec)
	}
	if rec.TCP.Port != port {
		t.Errorf("port = %d, want %d", rec.TCP.Port, port)
	}
	if rec.TCP.Length != len(payload) {
		t.Errorf("length = %d, want %d", rec.TCP.Length, len(payload))
	}
	if !bytes.Equal(rec.TCP.Sample, payload[:8]) {
		t.Errorf("sample = %q, want %q", rec.TCP.Sample, payload[:8])
	}
}

func TestTCPCatcherOpenIdempotent(t *testing.T) {
	ts := newTestStack(t)
	sess := ts.mustCreate(t)

	catcher := &TCPCatcher{
		Pipeline:   ts.pipeline,
		SampleSize: 8,
		Logger:     zap.NewNop(),
	}
	defer catcher.CloseAll()

	port := freePort(t)
	if err := catcher.Open(sess.Subdomain, port); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := catcher.Open(sess.Subdomain, port); err != nil {
		t.Fatalf("reopening an owned port: %v", err)
	}

	// The original listener still accepts after the repeated Open.
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		t.Fatalf("dial after reopen: %v", err)
	}
	conn.Close()
}

func TestTCPCatcherCloseStopsAccepting(t *testing.T) {
	ts := newTestStack(t)
	sess := ts.mustCreate(t)

	catcher := &TCPCatcher{
		Pipeline:   ts.pipeline,
		SampleSize: 8,
		Logger:     zap.NewNop(),
	}
	port := freePort(t)
	if err := catcher.Open(sess.Subdomain, port); err != nil {
		t.Fatalf("Open: %v", err)
	}

	catcher.Close(port)
	catcher.Close(port) // idempotent

	if conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond); err == nil {
		conn.Close()
		t.Error("dial succeeded after Close")
	}
}
