package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snarelabs/snare/internal/capture"
	"github.com/snarelabs/snare/internal/ingest"
	"github.com/snarelabs/snare/internal/logging"
)

const tcpReadIdle = 2 * time.Second

// TCPCatcher owns the raw TCP listeners leased to sessions. Each open port
// records one capture per inbound connection: total bytes received plus a
// bounded sample of the initial payload.
type TCPCatcher struct {
	Pipeline   *ingest.Pipeline
	SampleSize int
	Logger     *zap.Logger

	mu        sync.Mutex
	listeners map[int]net.Listener
	wg        sync.WaitGroup
}

// Open binds the leased port for the session and starts accepting
// connections on it. Opening a port the catcher already owns is a no-op,
// matching the idempotent lease in the registry.
func (c *TCPCatcher) Open(subdomain string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.listeners[port]; ok {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to bind tcp port %d: %w", port, err)
	}

	if c.listeners == nil {
		c.listeners = make(map[int]net.Listener)
	}
	c.listeners[port] = ln

	c.Logger.Info("opened tcp catcher",
		logging.Subdomain(subdomain), logging.Port(port))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.handleConn(conn, subdomain, port)
			}()
		}
	}()
	return nil
}

// Close stops the listener for the given port. It is a no-op when the port
// is not open, so registry destroy hooks can call it unconditionally.
func (c *TCPCatcher) Close(port int) {
	c.mu.Lock()
	ln, ok := c.listeners[port]
	if ok {
		delete(c.listeners, port)
	}
	c.mu.Unlock()
	if ok {
		_ = ln.Close()
		c.Logger.Info("closed tcp catcher", logging.Port(port))
	}
}

// CloseAll shuts every open listener and waits for in-flight connections.
func (c *TCPCatcher) CloseAll() {
	c.mu.Lock()
	for port, ln := range c.listeners {
		_ = ln.Close()
		delete(c.listeners, port)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *TCPCatcher) handleConn(conn net.Conn, subdomain string, port int) {
	defer conn.Close()

	sample := make([]byte, 0, c.SampleSize)
	var total int
	buf := make([]byte, 4096)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(tcpReadIdle))
		n, err := conn.Read(buf)
		if n > 0 {
			total += n
			if room := c.SampleSize - len(sample); room > 0 {
				if n < room {
					room = n
				}
				sample = append(sample, buf[:room]...)
			}
		}
		if err != nil {
			break
		}
	}

	rec := capture.Record{
		Subdomain: subdomain,
		Kind:      capture.KindTCP,
		SourceIP:  remoteIPOf(conn.RemoteAddr().String()),
		TCP: &capture.TCPDetail{
			Port:   port,
			Length: total,
			Sample: sample,
		},
	}
	if _, err := c.Pipeline.Ingest(rec); err != nil {
		c.Logger.Debug("tcp ingest rejected",
			logging.Subdomain(subdomain), logging.Port(port), zap.Error(err))
	}
}
