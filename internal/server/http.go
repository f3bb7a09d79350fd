package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/snarelabs/snare/internal/capture"
	"github.com/snarelabs/snare/internal/ingest"
	"github.com/snarelabs/snare/internal/logging"
	"github.com/snarelabs/snare/internal/session"
)

// HTTPServer is the catch-all listener: any request whose Host names a live
// session's subdomain is captured and answered with an echo of its own
// metadata. Everything else gets a neutral default page and is not ingested.
type HTTPServer struct {
	Registry       *session.Registry
	Pipeline       *ingest.Pipeline
	Domain         string
	MaxRequestSize int64
	Logger         *zap.Logger
}

// ExtractSubdomain pulls the session label from the Host header: the label
// immediately left of the configured domain.
func ExtractSubdomain(r *http.Request, domain string) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	if !strings.HasSuffix(host, "."+strings.ToLower(domain)) {
		return ""
	}
	rest := strings.TrimSuffix(host, "."+strings.ToLower(domain))
	if dot := strings.LastIndex(rest, "."); dot != -1 {
		rest = rest[dot+1:]
	}
	return rest
}

func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subdomain := ExtractSubdomain(r, s.Domain)
	if subdomain == "" || !s.Registry.Live(subdomain) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.Logger.Warn("read body failed", zap.Error(err))
		writeJSONError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	remoteIP := remoteIPOf(r.RemoteAddr)
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	headers := make(map[string][]string, len(r.Header))
	for k, v := range r.Header {
		headers[k] = v
	}

	// Stored and echoed with the leading "?" so the field reads as the
	// literal suffix of the request URL.
	query := r.URL.RawQuery
	if query != "" {
		query = "?" + query
	}

	_, err = s.Pipeline.Ingest(capture.Record{
		Subdomain: subdomain,
		Kind:      capture.KindHTTP,
		SourceIP:  remoteIP,
		HTTP: &capture.HTTPDetail{
			Method:  r.Method,
			Scheme:  scheme,
			Host:    r.Host,
			Path:    r.URL.Path,
			Query:   query,
			Headers: headers,
			Body:    body,
		},
	})
	if err != nil {
		// Session died between lookup and ingest; fall back to the
		// default page.
		s.Logger.Debug("http ingest rejected", logging.Subdomain(subdomain), zap.Error(err))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}

	s.Logger.Debug("http request captured",
		logging.Subdomain(subdomain), logging.Method(r.Method), logging.Path(r.URL.Path))

	// Default session reply: echo the request metadata.
	writeJSON(w, http.StatusOK, map[string]string{
		"method": r.Method,
		"path":   r.URL.Path,
		"query":  query,
	})
}

func remoteIPOf(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
