// Package client is the HTTP client for the snare session API, used by the
// CLI subcommands.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/snarelabs/snare/internal/capture"
	"github.com/snarelabs/snare/internal/dnsengine"
	"github.com/snarelabs/snare/internal/session"
)

type Client struct {
	BaseURL string
}

func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/")}
}

// SessionResponse is the GET session payload: the state snapshot plus the
// cached records in arrival order.
type SessionResponse struct {
	Session session.Session  `json:"session"`
	Records []capture.Record `json:"records"`
}

// CreateResponse is the new-session payload: the session snapshot plus
// ready-to-paste endpoints per protocol.
type CreateResponse struct {
	session.Session
	Payloads map[string]string `json:"payloads"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) CreateSession() (*CreateResponse, error) {
	resp, err := http.Post(c.BaseURL+"/api/session", "application/json", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, parseError(resp)
	}
	var result CreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) GetSession(subdomain, token string) (*SessionResponse, error) {
	resp, err := c.do(http.MethodGet, "/api/session/"+subdomain, token, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}
	var result SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) DeleteSession(subdomain, token string) error {
	resp, err := c.do(http.MethodDelete, "/api/session/"+subdomain, token, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return parseError(resp)
	}
	return nil
}

func (c *Client) UpdateRules(subdomain, token string, rules []dnsengine.Rule) error {
	body, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	resp, err := c.do(http.MethodPut, "/api/session/"+subdomain+"/dns", token, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return parseError(resp)
	}
	return nil
}

func (c *Client) UploadFile(subdomain, token string, data []byte) error {
	resp, err := c.do(http.MethodPut, "/api/session/"+subdomain+"/file", token, bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return parseError(resp)
	}
	return nil
}

func (c *Client) DownloadFile(subdomain, token string) ([]byte, error) {
	resp, err := c.do(http.MethodGet, "/api/session/"+subdomain+"/file", token, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) LeaseTCPPort(subdomain, token string) (int, error) {
	resp, err := c.do(http.MethodPost, "/api/session/"+subdomain+"/tcp", token, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, parseError(resp)
	}
	var result map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, err
	}
	return result["port"], nil
}

// Watcher is a live record stream over the session WebSocket.
type Watcher struct {
	conn *websocket.Conn
}

// Next blocks until the server delivers the next record.
func (w *Watcher) Next() (capture.Record, error) {
	var rec capture.Record
	if err := w.conn.ReadJSON(&rec); err != nil {
		return capture.Record{}, err
	}
	return rec, nil
}

func (w *Watcher) Close() error { return w.conn.Close() }

// Watch opens the live stream for the session.
func (c *Client) Watch(subdomain, token string) (*Watcher, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/api/session/" + subdomain + "/ws"
	u.RawQuery = "token=" + url.QueryEscape(token)

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, parseError(resp)
		}
		return nil, err
	}
	return &Watcher{conn: conn}, nil
}

func (c *Client) do(method, path, token string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

func parseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return fmt.Errorf("%s", errResp.Error)
}
