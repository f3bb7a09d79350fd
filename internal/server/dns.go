package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/snarelabs/snare/internal/acme"
	"github.com/snarelabs/snare/internal/capture"
	"github.com/snarelabs/snare/internal/dnsengine"
	"github.com/snarelabs/snare/internal/ingest"
	"github.com/snarelabs/snare/internal/logging"
	"github.com/snarelabs/snare/internal/session"
)

// DNSServer answers authoritative queries for the capture domain. Questions
// under a live session's subdomain are resolved through the session's rule
// set and ingested; zone infrastructure names (SOA, NS, ns1, apex) and ACME
// challenge records are answered before session resolution.
type DNSServer struct {
	Registry      *session.Registry
	Pipeline      *ingest.Pipeline
	Engine        *dnsengine.Engine
	Domain        string
	PublicIP      string
	TXTStore      *acme.TXTStore
	IngestOrphans bool
	Logger        *zap.Logger

	udpServer *dns.Server
	tcpServer *dns.Server
}

// Start begins listening for DNS queries over UDP and TCP.
func (s *DNSServer) Start(port int) error {
	handler := dns.HandlerFunc(s.handleDNS)
	addr := fmt.Sprintf(":%d", port)

	s.udpServer = &dns.Server{Addr: addr, Net: "udp", Handler: handler}
	s.tcpServer = &dns.Server{Addr: addr, Net: "tcp", Handler: handler}

	udpErrCh := make(chan error, 1)
	tcpErrCh := make(chan error, 1)

	go func() {
		s.Logger.Info("starting dns server", logging.Net("udp"), logging.Port(port))
		if err := s.udpServer.ListenAndServe(); err != nil {
			udpErrCh <- err
		}
		close(udpErrCh)
	}()

	go func() {
		s.Logger.Info("starting dns server", logging.Net("tcp"), logging.Port(port))
		if err := s.tcpServer.ListenAndServe(); err != nil {
			tcpErrCh <- err
		}
		close(tcpErrCh)
	}()

	timeout := time.After(100 * time.Millisecond)
	for i := 0; i < 2; i++ {
		select {
		case err := <-udpErrCh:
			if err != nil {
				return fmt.Errorf("UDP DNS server failed to start: %w", err)
			}
		case err := <-tcpErrCh:
			if err != nil {
				return fmt.Errorf("TCP DNS server failed to start: %w", err)
			}
		case <-timeout:
			return nil
		}
	}
	return nil
}

// Shutdown gracefully stops both DNS servers.
func (s *DNSServer) Shutdown(ctx context.Context) {
	if s.udpServer != nil {
		if err := s.udpServer.ShutdownContext(ctx); err != nil {
			s.Logger.Warn("dns udp shutdown error", zap.Error(err))
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.ShutdownContext(ctx); err != nil {
			s.Logger.Warn("dns tcp shutdown error", zap.Error(err))
		}
	}
}

func (s *DNSServer) handleDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	protocol := "udp"
	if _, ok := w.RemoteAddr().(*net.TCPAddr); ok {
		protocol = "tcp"
	}
	remoteIP := parseRemoteIP(w.RemoteAddr())

	for _, q := range r.Question {
		s.answerQuestion(m, q, protocol, remoteIP)
	}

	if err := w.WriteMsg(m); err != nil {
		s.Logger.Debug("failed to write DNS response", zap.Error(err))
	}
}

func (s *DNSServer) answerQuestion(m *dns.Msg, q dns.Question, protocol, remoteIP string) {
	qname := strings.ToLower(strings.TrimSuffix(q.Name, "."))
	domain := strings.ToLower(s.Domain)

	// Zone infrastructure answers come first; resolvers and ACME
	// validators need them regardless of session state.
	if q.Qtype == dns.TypeSOA && (qname == domain || strings.HasSuffix(qname, "."+domain)) {
		m.Answer = append(m.Answer, &dns.SOA{
			Hdr:     dns.RR_Header{Name: domain + ".", Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 300},
			Ns:      "ns1." + domain + ".",
			Mbox:    "hostmaster." + domain + ".",
			Serial:  1,
			Refresh: 3600,
			Retry:   600,
			Expire:  604800,
			Minttl:  1,
		})
		return
	}

	if q.Qtype == dns.TypeNS && qname == domain {
		m.Answer = append(m.Answer, &dns.NS{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: 300},
			Ns:  "ns1." + domain + ".",
		})
		return
	}

	if qname == "ns1."+domain {
		if q.Qtype == dns.TypeA && s.PublicIP != "" {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
				A:   net.ParseIP(s.PublicIP),
			})
		}
		return
	}

	if qname == domain && q.Qtype == dns.TypeA && s.PublicIP != "" {
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
			A:   net.ParseIP(s.PublicIP),
		})
		return
	}

	if q.Qtype == dns.TypeTXT && s.TXTStore != nil {
		if values := s.TXTStore.Get(acme.NormalizeName(q.Name)); len(values) > 0 {
			for _, value := range values {
				m.Answer = append(m.Answer, &dns.TXT{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 1},
					Txt: []string{value},
				})
			}
			return
		}
	}

	subdomain := extractSessionLabel(qname, domain)
	if subdomain == "" {
		m.Rcode = dns.RcodeNameError
		return
	}

	rec := capture.Record{
		Subdomain: subdomain,
		Kind:      capture.KindDNS,
		SourceIP:  remoteIP,
		DNS: &capture.DNSDetail{
			QName:    qname,
			QType:    dns.TypeToString[q.Qtype],
			Protocol: protocol,
		},
	}

	rules, live := s.Registry.Rules(subdomain)
	if !live {
		// Orphan query: answer with the default record so external
		// verification lookups succeed, and keep it out of session
		// caches.
		if s.IngestOrphans {
			s.Pipeline.IngestOrphan(rec)
		}
		if fallback := s.Engine.Fallback(q); fallback != nil {
			m.Answer = append(m.Answer, fallback...)
		} else {
			m.Rcode = dns.RcodeNameError
		}
		return
	}

	answers := s.Engine.Resolve(rules, subdomain, q)
	if answers == nil {
		answers = s.Engine.Fallback(q)
	}
	m.Answer = append(m.Answer, answers...)

	rec.DNS.Answer = summarizeAnswers(answers)
	if _, err := s.Pipeline.Ingest(rec); err != nil {
		s.Logger.Debug("dns ingest rejected",
			logging.Subdomain(subdomain), logging.QName(qname), zap.Error(err))
	}
}

// extractSessionLabel returns the label immediately left of the domain, or
// "" when the name is not under it.
func extractSessionLabel(qname, domain string) string {
	if !strings.HasSuffix(qname, "."+domain) {
		return ""
	}
	rest := strings.TrimSuffix(qname, "."+domain)
	parts := strings.Split(rest, ".")
	return parts[len(parts)-1]
}

func summarizeAnswers(answers []dns.RR) string {
	if len(answers) == 0 {
		return ""
	}
	parts := make([]string, 0, len(answers))
	for _, rr := range answers {
		parts = append(parts, rr.String())
	}
	return strings.Join(parts, "; ")
}

func parseRemoteIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.TCPAddr:
		return a.IP.String()
	default:
		return addr.String()
	}
}
