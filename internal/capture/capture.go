// Package capture defines the canonical record of one protocol interaction.
package capture

import "time"

// Kind identifies the protocol a record was captured from.
type Kind string

// Record kinds, one per protocol listener.
const (
	KindHTTP Kind = "http"
	KindDNS  Kind = "dns"
	KindSMTP Kind = "smtp"
	KindTCP  Kind = "tcp"
)

// Record is the canonical captured interaction. The envelope fields are
// common to every protocol; exactly one detail pointer matching Kind is
// set. Records are created once by a protocol listener and immutable after
// ingestion. IDs increase monotonically within a session.
type Record struct {
	ID            int64     `json:"id"`
	Subdomain     string    `json:"subdomain"`
	Kind          Kind      `json:"kind"`
	ReceivedAt    time.Time `json:"received_at"`
	SourceIP      string    `json:"source_ip"`
	SourceCountry string    `json:"source_country,omitempty"`

	HTTP *HTTPDetail `json:"http,omitempty"`
	DNS  *DNSDetail  `json:"dns,omitempty"`
	SMTP *SMTPDetail `json:"smtp,omitempty"`
	TCP  *TCPDetail  `json:"tcp,omitempty"`
}

// HTTPDetail contains the HTTP-specific fields of a record.
type HTTPDetail struct {
	Method  string              `json:"method"`
	Scheme  string              `json:"scheme"`
	Host    string              `json:"host"`
	Path    string              `json:"path"`
	Query   string              `json:"query"`
	Headers map[string][]string `json:"headers"`
	Body    []byte              `json:"body,omitempty"`
}

// DNSDetail contains the DNS-specific fields of a record.
type DNSDetail struct {
	QName    string `json:"qname"`
	QType    string `json:"qtype"`
	Answer   string `json:"answer,omitempty"`
	Protocol string `json:"protocol"` // udp or tcp
}

// SMTPDetail contains the SMTP-specific fields of a record.
type SMTPDetail struct {
	From string   `json:"from"`
	To   []string `json:"to"`
	Body string   `json:"body"`
}

// TCPDetail contains the raw-TCP-specific fields of a record.
type TCPDetail struct {
	Port   int    `json:"port"`
	Length int    `json:"length"`
	Sample []byte `json:"sample,omitempty"`
}
