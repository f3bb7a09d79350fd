// Package geo declares the IP-to-country lookup collaborator.
package geo

// Resolver maps a source IP to an ISO 3166-1 alpha-2 country code.
// A nil Resolver or an empty result means the country is unknown.
// The lookup implementation lives outside the capture core.
type Resolver func(ip string) string
