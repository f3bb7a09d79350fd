// Package dnsengine resolves DNS questions against a session's rule set.
// The engine is a pure function of (rules, question): it holds no mutable
// state and never touches the network.
package dnsengine

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// Rule is one client-configured DNS answer. Name is a label relative to the
// session's subdomain: "" or "@" matches the subdomain apex, "*" matches any
// name under it, anything else matches that exact label chain. Rules are an
// ordered sequence so first-match-wins is deterministic.
type Rule struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
	TTL   uint32 `json:"ttl"`
}

// fallbackTTL is used for synthesized answers not backed by a rule.
const fallbackTTL = 60

// Engine answers questions for names under Domain.
type Engine struct {
	Domain     string // base domain, e.g. "snare.example.com"
	PublicIP   string // answer for bare A queries with no rule
	DefaultTXT string // answer for TXT queries with no rule
}

// Resolve applies first-match-wins over the ordered rules with the
// precedence: exact label of matching type, exact label with a
// type-agnostic CNAME, wildcard of matching type, wildcard CNAME.
// The returned answers are nil when no rule matches.
func (e *Engine) Resolve(rules []Rule, subdomain string, q dns.Question) []dns.RR {
	label := e.relativeLabel(subdomain, q.Name)
	if label == "." {
		return nil // question not under this session
	}

	type match struct {
		exact bool
		typed bool
	}
	classes := []match{
		{exact: true, typed: true},
		{exact: true, typed: false},
		{exact: false, typed: true},
		{exact: false, typed: false},
	}

	for _, class := range classes {
		for _, rule := range rules {
			if nameIsExact(rule.Name) != class.exact {
				continue
			}
			if !nameMatches(rule.Name, label) {
				continue
			}
			if class.typed {
				if !strings.EqualFold(rule.Type, dns.TypeToString[q.Qtype]) {
					continue
				}
			} else {
				// Only CNAME rules answer regardless of question type.
				if !strings.EqualFold(rule.Type, "CNAME") {
					continue
				}
			}
			if rr := buildRR(rule, q.Name); rr != nil {
				return []dns.RR{rr}
			}
		}
	}

	return nil
}

// Fallback synthesizes a default answer for a live session with no matching
// rule. It returns nil when the question type has no default.
func (e *Engine) Fallback(q dns.Question) []dns.RR {
	switch q.Qtype {
	case dns.TypeTXT:
		if e.DefaultTXT == "" {
			return nil
		}
		return []dns.RR{&dns.TXT{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: fallbackTTL},
			Txt: []string{e.DefaultTXT},
		}}
	case dns.TypeA:
		ip := net.ParseIP(e.PublicIP)
		if ip == nil || ip.To4() == nil {
			return nil
		}
		return []dns.RR{&dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: fallbackTTL},
			A:   ip,
		}}
	default:
		return nil
	}
}

// ValidateRule rejects rules the engine cannot answer.
func ValidateRule(rule Rule) error {
	switch strings.ToUpper(rule.Type) {
	case "A":
		ip := net.ParseIP(rule.Value)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("A rule value %q is not an IPv4 address", rule.Value)
		}
	case "AAAA":
		ip := net.ParseIP(rule.Value)
		if ip == nil || ip.To4() != nil {
			return fmt.Errorf("AAAA rule value %q is not an IPv6 address", rule.Value)
		}
	case "CNAME", "NS", "TXT":
		if rule.Value == "" {
			return fmt.Errorf("%s rule requires a value", strings.ToUpper(rule.Type))
		}
	case "MX":
		if _, _, err := splitMX(rule.Value); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported record type %q", rule.Type)
	}
	if strings.ContainsAny(rule.Name, " \t") {
		return fmt.Errorf("rule name %q contains whitespace", rule.Name)
	}
	return nil
}

// relativeLabel reduces a question name to the label chain left of
// <subdomain>.<domain>. The apex itself yields "". A name not under the
// session yields ".".
func (e *Engine) relativeLabel(subdomain, qname string) string {
	name := strings.ToLower(strings.TrimSuffix(qname, "."))
	suffix := subdomain + "." + strings.ToLower(e.Domain)
	if name == suffix {
		return ""
	}
	if strings.HasSuffix(name, "."+suffix) {
		return strings.TrimSuffix(name, "."+suffix)
	}
	return "."
}

func nameIsExact(ruleName string) bool {
	return ruleName != "*"
}

func nameMatches(ruleName, label string) bool {
	switch ruleName {
	case "*":
		return true
	case "", "@":
		return label == ""
	default:
		return strings.EqualFold(ruleName, label)
	}
}

func buildRR(rule Rule, qname string) dns.RR {
	hdr := dns.RR_Header{
		Name:  qname,
		Class: dns.ClassINET,
		Ttl:   rule.TTL,
	}
	switch strings.ToUpper(rule.Type) {
	case "A":
		ip := net.ParseIP(rule.Value)
		if ip == nil {
			return nil
		}
		hdr.Rrtype = dns.TypeA
		return &dns.A{Hdr: hdr, A: ip}
	case "AAAA":
		ip := net.ParseIP(rule.Value)
		if ip == nil {
			return nil
		}
		hdr.Rrtype = dns.TypeAAAA
		return &dns.AAAA{Hdr: hdr, AAAA: ip}
	case "CNAME":
		hdr.Rrtype = dns.TypeCNAME
		return &dns.CNAME{Hdr: hdr, Target: dns.Fqdn(rule.Value)}
	case "TXT":
		hdr.Rrtype = dns.TypeTXT
		return &dns.TXT{Hdr: hdr, Txt: []string{rule.Value}}
	case "NS":
		hdr.Rrtype = dns.TypeNS
		return &dns.NS{Hdr: hdr, Ns: dns.Fqdn(rule.Value)}
	case "MX":
		pref, host, err := splitMX(rule.Value)
		if err != nil {
			return nil
		}
		hdr.Rrtype = dns.TypeMX
		return &dns.MX{Hdr: hdr, Preference: pref, Mx: dns.Fqdn(host)}
	default:
		return nil
	}
}

// splitMX parses "10 mail.example.com" or a bare host (preference 10).
func splitMX(value string) (uint16, string, error) {
	fields := strings.Fields(value)
	switch len(fields) {
	case 1:
		if fields[0] == "" {
			return 0, "", fmt.Errorf("MX rule requires a value")
		}
		return 10, fields[0], nil
	case 2:
		pref, err := strconv.ParseUint(fields[0], 10, 16)
		if err != nil {
			return 0, "", fmt.Errorf("MX preference %q is not a number", fields[0])
		}
		return uint16(pref), fields[1], nil
	default:
		return 0, "", fmt.Errorf("MX rule value %q must be \"[preference] host\"", value)
	}
}
