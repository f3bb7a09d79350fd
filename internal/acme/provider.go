package acme

import (
	"context"
	"strings"

	"github.com/libdns/libdns"
)

var _ libdns.RecordAppender = (*Provider)(nil)
var _ libdns.RecordDeleter = (*Provider)(nil)

// Provider implements the libdns write interfaces certmagic's DNS-01 solver
// needs, backed by the in-memory TXTStore our own DNS listener serves.
type Provider struct {
	Store *TXTStore
}

// AppendRecords stores the solver's TXT challenge records.
func (p *Provider) AppendRecords(ctx context.Context, zone string, recs []libdns.Record) ([]libdns.Record, error) {
	for _, r := range recs {
		rr := r.RR()
		if strings.EqualFold(rr.Type, "TXT") {
			p.Store.Add(absoluteName(zone, rr.Name), rr.Data)
		}
	}
	return recs, nil
}

// DeleteRecords removes challenge records after validation.
func (p *Provider) DeleteRecords(ctx context.Context, zone string, recs []libdns.Record) ([]libdns.Record, error) {
	for _, r := range recs {
		rr := r.RR()
		if strings.EqualFold(rr.Type, "TXT") {
			p.Store.Remove(absoluteName(zone, rr.Name), rr.Data)
		}
	}
	return recs, nil
}

func absoluteName(zone, name string) string {
	zone = strings.TrimSuffix(strings.ToLower(zone), ".")
	name = strings.TrimSuffix(strings.ToLower(name), ".")

	if strings.HasSuffix(name, zone) {
		return name
	}
	if name == "" || name == "." {
		return zone
	}
	return name + "." + zone
}
