package server

import (
	"net"
	"net/textproto"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/snarelabs/snare/internal/capture"
)

func newTestSMTPServer(ts *testStack) *SMTPServer {
	return &SMTPServer{
		Registry:       ts.registry,
		Pipeline:       ts.pipeline,
		Domain:         testDomain,
		MaxMessageSize: 1024,
		Logger:         zap.NewNop(),
	}
}

// startSMTPConn runs handleConn on one end of a pipe and returns a textproto
// client for the other.
func startSMTPConn(t *testing.T, s *SMTPServer) *textproto.Conn {
	t.Helper()
	client, srv := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handleConn(srv)
	}()
	t.Cleanup(func() {
		client.Close()
		<-done
	})
	return textproto.NewConn(client)
}

func expectCode(t *testing.T, tp *textproto.Conn, code int) {
	t.Helper()
	if _, _, err := tp.ReadResponse(code); err != nil {
		t.Fatalf("expected %d: %v", code, err)
	}
}

func TestSMTPDeliveryCaptured(t *testing.T) {
	ts := newTestStack(t)
	sess := ts.mustCreate(t)
	s := newTestSMTPServer(ts)
	tp := startSMTPConn(t, s)

	expectCode(t, tp, 220)

	send := func(line string, code int) {
		t.Helper()
		if err := tp.PrintfLine("%s", line); err != nil {
			t.Fatalf("send %q: %v", line, err)
		}
		expectCode(t, tp, code)
	}

	send("EHLO probe.example.org", 250)
	send("MAIL FROM:<attacker@example.org>", 250)
	send("RCPT TO:<x@"+sess.Subdomain+"."+testDomain+">", 250)
	send("RCPT TO:<y@"+sess.Subdomain+"."+testDomain+">", 250)
	send("DATA", 354)
	for _, line := range []string{"Subject: ping", "", "hello", "..dotted", "."} {
		if err := tp.PrintfLine("%s", line); err != nil {
			t.Fatalf("data line: %v", err)
		}
	}
	expectCode(t, tp, 250)
	send("QUIT", 221)

	records, err := ts.cache.ReadAll(sess.Subdomain)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.Kind != capture.KindSMTP || rec.SMTP == nil {
		t.Fatalf("record = %+v", rec)
	}
	if rec.SMTP.From != "attacker@example.org" {
		t.Errorf("from = %q", rec.SMTP.From)
	}
	if len(rec.SMTP.To) != 2 {
		t.Errorf("to = %v", rec.SMTP.To)
	}
	want := "Subject: ping\r\n\r\nhello\r\n.dotted\r\n"
	if rec.SMTP.Body != want {
		t.Errorf("body = %q, want %q", rec.SMTP.Body, want)
	}
}

func TestSMTPUnknownRecipientAcknowledgedNotCaptured(t *testing.T) {
	ts := newTestStack(t)
	s := newTestSMTPServer(ts)
	tp := startSMTPConn(t, s)

	expectCode(t, tp, 220)
	steps := []struct {
		line string
		code int
	}{
		{"HELO probe", 250},
		{"MAIL FROM:<a@example.org>", 250},
		{"RCPT TO:<b@deadbeef." + testDomain + ">", 250},
		{"DATA", 354},
	}
	for _, st := range steps {
		if err := tp.PrintfLine("%s", st.line); err != nil {
			t.Fatalf("send: %v", err)
		}
		expectCode(t, tp, st.code)
	}
	for _, line := range []string{"hi", "."} {
		if err := tp.PrintfLine("%s", line); err != nil {
			t.Fatalf("data: %v", err)
		}
	}
	expectCode(t, tp, 250)

	if _, err := ts.cache.ReadAll("deadbeef"); err == nil {
		t.Error("mail to dead session was cached")
	}
}

func TestSMTPOversizedMessageRejected(t *testing.T) {
	ts := newTestStack(t)
	sess := ts.mustCreate(t)
	s := newTestSMTPServer(ts)
	s.MaxMessageSize = 32
	tp := startSMTPConn(t, s)

	expectCode(t, tp, 220)
	for _, line := range []string{
		"HELO probe",
		"MAIL FROM:<a@example.org>",
		"RCPT TO:<b@" + sess.Subdomain + "." + testDomain + ">",
	} {
		if err := tp.PrintfLine("%s", line); err != nil {
			t.Fatalf("send: %v", err)
		}
		expectCode(t, tp, 250)
	}
	if err := tp.PrintfLine("DATA"); err != nil {
		t.Fatalf("DATA: %v", err)
	}
	expectCode(t, tp, 354)
	if err := tp.PrintfLine("%s", strings.Repeat("x", 128)); err != nil {
		t.Fatalf("data: %v", err)
	}
	expectCode(t, tp, 552)

	records, err := ts.cache.ReadAll(sess.Subdomain)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("oversized message was cached")
	}
}

func TestSMTPUnknownCommand(t *testing.T) {
	ts := newTestStack(t)
	s := newTestSMTPServer(ts)
	tp := startSMTPConn(t, s)

	expectCode(t, tp, 220)
	if err := tp.PrintfLine("VRFY root"); err != nil {
		t.Fatalf("send: %v", err)
	}
	expectCode(t, tp, 502)
	if err := tp.PrintfLine("QUIT"); err != nil {
		t.Fatalf("send: %v", err)
	}
	expectCode(t, tp, 221)
}
