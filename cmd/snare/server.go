package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/snarelabs/snare/internal/acme"
	"github.com/snarelabs/snare/internal/cache"
	"github.com/snarelabs/snare/internal/config"
	"github.com/snarelabs/snare/internal/dnsengine"
	"github.com/snarelabs/snare/internal/fanout"
	"github.com/snarelabs/snare/internal/ingest"
	"github.com/snarelabs/snare/internal/logging"
	"github.com/snarelabs/snare/internal/server"
	"github.com/snarelabs/snare/internal/session"
	"github.com/snarelabs/snare/internal/token"
)

var serverFlags struct {
	httpPort    int
	httpsPort   int
	apiPort     int
	dnsPort     int
	smtpPort    int
	tlsCert     string
	tlsKey      string
	domain      string
	publicIP    string
	dataDir     string
	noACME      bool
	acmeEmail   string
	acmeStaging bool
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start all listeners (HTTP, HTTPS, DNS, SMTP, API)",
	Long: `Start the snare server with every protocol listener.

TLS Modes:
  By default, ACME is enabled and certificates are automatically obtained
  from Let's Encrypt using DNS-01 challenges. The DNS server must be
  publicly reachable on port 53 for ACME to work.

  --tls-cert + --tls-key  → Manual TLS mode (use provided certificates)
  --no-acme               → HTTP only (no HTTPS server)
  (neither)               → ACME mode (automatic Let's Encrypt certificates)

Notes:
  Ports 80, 443, 53, and 25 require root or 'setcap cap_net_bind_service'.
  Certificates are stored in <data-dir>/certmagic/.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().IntVar(&serverFlags.httpPort, "http-port", getEnvInt("SNARE_HTTP_PORT", 80), "HTTP port to listen on")
	serverCmd.Flags().IntVar(&serverFlags.httpsPort, "https-port", getEnvInt("SNARE_HTTPS_PORT", 443), "HTTPS port to listen on")
	serverCmd.Flags().IntVar(&serverFlags.apiPort, "api-port", getEnvInt("SNARE_API_PORT", 8081), "API port to listen on")
	serverCmd.Flags().IntVar(&serverFlags.dnsPort, "dns-port", getEnvInt("SNARE_DNS_PORT", 53), "DNS port to listen on (53 requires root)")
	serverCmd.Flags().IntVar(&serverFlags.smtpPort, "smtp-port", getEnvInt("SNARE_SMTP_PORT", 25), "SMTP port to listen on (25 requires root)")
	serverCmd.Flags().StringVar(&serverFlags.tlsCert, "tls-cert", "", "path to TLS certificate file (enables manual TLS mode)")
	serverCmd.Flags().StringVar(&serverFlags.tlsKey, "tls-key", "", "path to TLS key file (enables manual TLS mode)")
	serverCmd.Flags().StringVar(&serverFlags.domain, "domain", getEnv("SNARE_DOMAIN", "localhost"), "base domain for session subdomains")
	serverCmd.Flags().StringVar(&serverFlags.publicIP, "public-ip", getEnv("SNARE_PUBLIC_IP", ""), "public IP for DNS responses (required for ACME)")
	serverCmd.Flags().StringVar(&serverFlags.dataDir, "data-dir", getEnv("SNARE_DATA_DIR", "snare-data"), "directory for ACME certificate storage")
	serverCmd.Flags().BoolVar(&serverFlags.noACME, "no-acme", false, "disable automatic TLS (ACME)")
	serverCmd.Flags().StringVar(&serverFlags.acmeEmail, "acme-email", "", "email for Let's Encrypt notifications")
	serverCmd.Flags().BoolVar(&serverFlags.acmeStaging, "acme-staging", false, "use Let's Encrypt staging CA")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.HTTPPort = serverFlags.httpPort
	cfg.HTTPSPort = serverFlags.httpsPort
	cfg.APIPort = serverFlags.apiPort
	cfg.DNSPort = serverFlags.dnsPort
	cfg.SMTPPort = serverFlags.smtpPort
	cfg.Domain = serverFlags.domain
	cfg.PublicIP = serverFlags.publicIP
	cfg.DataDir = serverFlags.dataDir

	manualTLS := serverFlags.tlsCert != "" && serverFlags.tlsKey != ""
	acmeMode := !manualTLS && !serverFlags.noACME

	if acmeMode && cfg.PublicIP == "" {
		return fmt.Errorf("--public-ip is required for ACME mode (or use --no-acme)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := cache.New(cache.Options{
		MaxRecords: cfg.CacheMaxRecords,
		MaxBytes:   cfg.CacheMaxBytes,
		TTL:        cfg.CacheTTL,
	}, logger.Named("cache"))
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	go store.Run(ctx)

	hub := fanout.NewHub(fanout.DefaultQueueSize, logger.Named("fanout"))

	// The catcher is assigned below; the hook closure only runs once
	// sessions exist, long after wiring completes.
	var catcher *server.TCPCatcher

	signer := token.NewSigner(cfg.TokenSecret, cfg.TokenTTL)
	registry := session.New(session.Options{
		Alphabet:    cfg.SubdomainAlphabet,
		Length:      cfg.SubdomainLength,
		MaxSessions: cfg.MaxSessions,
		SessionTTL:  cfg.SessionTTL,
		TCPPortMin:  cfg.TCPPortMin,
		TCPPortMax:  cfg.TCPPortMax,
	}, signer, session.Hooks{
		AllocShard:       store.Create,
		EvictShard:       store.Evict,
		CloseSubscribers: hub.CloseSession,
		ReleaseTCPPort: func(subdomain string, port int) {
			catcher.Close(port)
		},
	}, logger.Named("session"))
	go registry.Run(ctx)

	pipeline := &ingest.Pipeline{
		Registry: registry,
		Cache:    store,
		Hub:      hub,
		Logger:   logger.Named("ingest"),
	}

	catcher = &server.TCPCatcher{
		Pipeline:   pipeline,
		SampleSize: cfg.TCPSampleSize,
		Logger:     logger.Named("tcp"),
	}

	engine := &dnsengine.Engine{
		Domain:     cfg.Domain,
		PublicIP:   cfg.PublicIP,
		DefaultTXT: cfg.DefaultTXT,
	}

	var txtStore *acme.TXTStore
	if acmeMode {
		txtStore = acme.NewTXTStore()
		acme.SetLogger(logger.Named("certmagic"))
	}

	httpSrv := &server.HTTPServer{
		Registry:       registry,
		Pipeline:       pipeline,
		Domain:         cfg.Domain,
		MaxRequestSize: cfg.MaxRequestSize,
		Logger:         logger.Named("http"),
	}

	httpServer := server.NewManagedServer("http", fmt.Sprintf(":%d", cfg.HTTPPort), httpSrv, nil, logger.Named("http"))
	httpServer.Start()
	if err := httpServer.WaitForStartup(time.Second); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}

	apiSrv := &server.APIServer{
		Registry:    registry,
		Cache:       store,
		Hub:         hub,
		Catcher:     catcher,
		Domain:      cfg.Domain,
		MaxFileSize: cfg.MaxFileSize,
		Logger:      logger.Named("api"),
	}
	apiServer := server.NewManagedServer("api", fmt.Sprintf(":%d", cfg.APIPort), apiSrv.Router(), nil, logger.Named("api"))
	apiServer.Start()
	if err := apiServer.WaitForStartup(time.Second); err != nil {
		return fmt.Errorf("start API server: %w", err)
	}

	dnsSrv := &server.DNSServer{
		Registry:      registry,
		Pipeline:      pipeline,
		Engine:        engine,
		Domain:        cfg.Domain,
		PublicIP:      cfg.PublicIP,
		TXTStore:      txtStore,
		IngestOrphans: cfg.IngestOrphanDNS,
		Logger:        logger.Named("dns"),
	}
	if err := dnsSrv.Start(cfg.DNSPort); err != nil {
		return fmt.Errorf("start DNS server: %w", err)
	}

	smtpSrv := &server.SMTPServer{
		Registry:       registry,
		Pipeline:       pipeline,
		Domain:         cfg.Domain,
		MaxMessageSize: cfg.MaxRequestSize,
		Logger:         logger.Named("smtp"),
	}
	if err := smtpSrv.Start(cfg.SMTPPort); err != nil {
		return fmt.Errorf("start SMTP server: %w", err)
	}

	var httpsServer *server.ManagedServer
	if acmeMode {
		manager := acme.NewManager(cfg.Domain, serverFlags.acmeEmail, cfg.DataDir, serverFlags.acmeStaging, txtStore, logger.Named("certmagic"))

		logger.Info("starting acme certificate acquisition",
			logging.Domain(cfg.Domain), zap.Bool("staging", serverFlags.acmeStaging))
		if err := manager.Manage(context.Background()); err != nil {
			return fmt.Errorf("ACME certificate acquisition: %w", err)
		}
		logger.Info("acme certificate obtained", logging.Domain(cfg.Domain))

		httpsServer = server.NewManagedServer("https", fmt.Sprintf(":%d", cfg.HTTPSPort), httpSrv, manager.TLSConfig(), logger.Named("https"))
		httpsServer.Start()
		if err := httpsServer.WaitForStartup(time.Second); err != nil {
			return fmt.Errorf("start HTTPS server: %w", err)
		}
		logger.Info("https enabled", logging.TLSMode("acme"))
	} else if manualTLS {
		cert, err := tls.LoadX509KeyPair(serverFlags.tlsCert, serverFlags.tlsKey)
		if err != nil {
			return fmt.Errorf("load TLS certificate: %w", err)
		}

		httpsServer = server.NewManagedServer("https", fmt.Sprintf(":%d", cfg.HTTPSPort), httpSrv, &tls.Config{
			Certificates: []tls.Certificate{cert},
		}, logger.Named("https"))
		httpsServer.Start()
		if err := httpsServer.WaitForStartup(time.Second); err != nil {
			return fmt.Errorf("start HTTPS server: %w", err)
		}
		logger.Info("https enabled", logging.TLSMode("manual"))
	} else {
		logger.Info("https disabled", zap.String("reason", "no-acme specified without manual TLS certificates"))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if httpsServer != nil {
		httpsServer.Shutdown(shutdownCtx)
	}
	httpServer.Shutdown(shutdownCtx)
	apiServer.Shutdown(shutdownCtx)
	dnsSrv.Shutdown(shutdownCtx)
	smtpSrv.Shutdown(shutdownCtx)
	catcher.CloseAll()

	return nil
}
