package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ManagedServer wraps an http.Server with asynchronous startup and graceful
// shutdown. Startup failures (bad addr, port in use) surface through
// WaitForStartup instead of being lost in a goroutine.
type ManagedServer struct {
	server   *http.Server
	logger   *zap.Logger
	name     string
	useTLS   bool
	errCh    chan error
	startErr error
}

// NewManagedServer builds a managed server with the read/write deadlines
// every listener carries to bound slow peers.
func NewManagedServer(name, addr string, handler http.Handler, tlsConfig *tls.Config, logger *zap.Logger) *ManagedServer {
	errLog, _ := zap.NewStdLogAt(logger, zapcore.ErrorLevel)

	return &ManagedServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			TLSConfig:         tlsConfig,
			ErrorLog:          errLog,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
		logger: logger,
		name:   name,
		useTLS: tlsConfig != nil,
		errCh:  make(chan error, 1),
	}
}

// Start begins serving in the background.
func (m *ManagedServer) Start() {
	go func() {
		var err error
		if m.useTLS {
			err = m.server.ListenAndServeTLS("", "")
		} else {
			err = m.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			m.errCh <- err
		}
		close(m.errCh)
	}()
}

// WaitForStartup returns a startup error observed within the timeout, or
// nil when the server came up.
func (m *ManagedServer) WaitForStartup(timeout time.Duration) error {
	select {
	case err := <-m.errCh:
		if err != nil {
			m.startErr = err
			return fmt.Errorf("%s failed to start: %w", m.name, err)
		}
		return nil
	case <-time.After(timeout):
		return nil
	}
}

// Shutdown drains the server gracefully.
func (m *ManagedServer) Shutdown(ctx context.Context) {
	if m.startErr != nil {
		return
	}
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Warn("shutdown error", zap.String("server", m.name), zap.Error(err))
	}
}
