package server

import (
	"context"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snarelabs/snare/internal/capture"
	"github.com/snarelabs/snare/internal/ingest"
	"github.com/snarelabs/snare/internal/logging"
	"github.com/snarelabs/snare/internal/session"
)

const smtpSessionTimeout = 2 * time.Minute

// SMTPServer accepts any mail addressed to the capture domain. Every
// command is acknowledged so senders complete the transaction; the message
// is ingested only when the first recipient names a live session.
type SMTPServer struct {
	Registry       *session.Registry
	Pipeline       *ingest.Pipeline
	Domain         string
	MaxMessageSize int64
	Logger         *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
}

// Start begins accepting SMTP connections on the given port.
func (s *SMTPServer) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("SMTP server failed to start: %w", err)
	}
	s.listener = ln
	s.Logger.Info("starting smtp server", logging.Port(port))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(conn)
			}()
		}
	}()
	return nil
}

// Shutdown stops accepting connections and waits for active transactions
// to finish or the context to expire.
func (s *SMTPServer) Shutdown(ctx context.Context) {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Logger.Warn("smtp shutdown timed out")
	}
}

func (s *SMTPServer) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(smtpSessionTimeout))

	tp := textproto.NewConn(conn)
	defer tp.Close()

	if err := tp.PrintfLine("220 %s ESMTP snare", s.Domain); err != nil {
		return
	}

	var (
		from string
		to   []string
	)

	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}

		verb, args := splitCommand(line)
		switch verb {
		case "HELO", "EHLO":
			_ = tp.PrintfLine("250 %s", s.Domain)
		case "MAIL":
			from = extractAddress(args)
			_ = tp.PrintfLine("250 OK")
		case "RCPT":
			to = append(to, extractAddress(args))
			_ = tp.PrintfLine("250 OK")
		case "DATA":
			if err := tp.PrintfLine("354 End data with <CR><LF>.<CR><LF>"); err != nil {
				return
			}
			body, err := s.readMessage(tp)
			if err != nil {
				_ = tp.PrintfLine("552 Message size exceeds limit")
				return
			}
			s.deliver(conn, from, to, body)
			from, to = "", nil
			_ = tp.PrintfLine("250 OK: queued")
		case "RSET":
			from, to = "", nil
			_ = tp.PrintfLine("250 OK")
		case "NOOP":
			_ = tp.PrintfLine("250 OK")
		case "QUIT":
			_ = tp.PrintfLine("221 Bye")
			return
		default:
			_ = tp.PrintfLine("502 Command not implemented")
		}
	}
}

func (s *SMTPServer) readMessage(tp *textproto.Conn) (string, error) {
	var b strings.Builder
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return "", err
		}
		if line == "." {
			return b.String(), nil
		}
		// Dot-stuffing per RFC 5321 section 4.5.2.
		line = strings.TrimPrefix(line, ".")
		if int64(b.Len()+len(line)+2) > s.MaxMessageSize {
			return "", fmt.Errorf("message exceeds %d bytes", s.MaxMessageSize)
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
}

func (s *SMTPServer) deliver(conn net.Conn, from string, to []string, body string) {
	subdomain := s.recipientSubdomain(to)
	if subdomain == "" {
		return
	}

	rec := capture.Record{
		Subdomain: subdomain,
		Kind:      capture.KindSMTP,
		SourceIP:  remoteIPOf(conn.RemoteAddr().String()),
		SMTP: &capture.SMTPDetail{
			From: from,
			To:   to,
			Body: body,
		},
	}
	if _, err := s.Pipeline.Ingest(rec); err != nil {
		s.Logger.Debug("smtp ingest rejected",
			logging.Subdomain(subdomain), zap.Error(err))
	}
}

// recipientSubdomain returns the session label from the first recipient
// under the capture domain, or "" when no recipient maps to it.
func (s *SMTPServer) recipientSubdomain(to []string) string {
	domain := strings.ToLower(s.Domain)
	for _, addr := range to {
		at := strings.LastIndex(addr, "@")
		if at < 0 {
			continue
		}
		host := strings.ToLower(addr[at+1:])
		if host == domain {
			continue
		}
		if label := extractSessionLabel(host, domain); label != "" {
			return label
		}
	}
	return ""
}

func splitCommand(line string) (verb, args string) {
	verb, args, _ = strings.Cut(line, " ")
	return strings.ToUpper(verb), args
}

// extractAddress pulls the mailbox out of "FROM:<a@b>" / "TO:<a@b>" style
// arguments, tolerating missing angle brackets.
func extractAddress(args string) string {
	_, addr, found := strings.Cut(args, ":")
	if !found {
		addr = args
	}
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "<")
	if i := strings.Index(addr, ">"); i >= 0 {
		addr = addr[:i]
	}
	return strings.TrimSpace(addr)
}
