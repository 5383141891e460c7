package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"routerd/internal/config"
	"routerd/internal/control"
	"routerd/internal/pipeline"
	"routerd/internal/proxyhttp"
	"routerd/internal/redaction"
	"routerd/internal/session"
	"routerd/internal/storage"
	"routerd/internal/telemetry"
	"routerd/internal/upstream"
)

func main() {
	configPath := flag.String("config", "configs/routerd.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting routerd",
		"version", pipeline.BuildID,
		"listen", cfg.Listen,
		"backend", cfg.Backend,
		"session_store", cfg.Session.Store,
	)

	store, err := session.New(cfg.Session, cfg.Pipeline)
	if err != nil {
		slog.Error("failed to initialize session store", "error", err)
		os.Exit(1)
	}
	slog.Info("session store configured", "backend", cfg.Session.Store)

	registry := pipeline.NewRegistry()
	overrides := session.NewOverrideStore()
	resolver := pipeline.NewRepoContextResolver(registry, session.NewAdapter(store))

	httpTimeout := 60 * time.Second
	upstreamClient := upstream.New(cfg.Backend, cfg.Models.Cheap, httpTimeout)

	classificationCache := pipeline.NewClassificationCache(cfg.Pipeline.ClassificationCacheSize, cfg.Pipeline.ClassificationCacheTTL)
	classifier := pipeline.NewClassifier(
		overrides,
		classificationCache,
		upstreamClient,
		cfg.Pipeline.OverrideDefaultTTLMinutes,
		cfg.Pipeline.OverrideMaxTTLMinutes,
	)

	var snapshots pipeline.SnapshotWriter = pipeline.NoopSnapshotWriter{}
	if cfg.Pipeline.CaptureRequests {
		writer, err := pipeline.NewDiskSnapshotWriter(cfg.Pipeline.CaptureDir)
		if err != nil {
			slog.Warn("failed to initialize request snapshotting, continuing without it", "error", err)
		} else {
			snapshots = writer
			slog.Info("request snapshotting enabled", "dir", cfg.Pipeline.CaptureDir)
		}
	}

	driver := &pipeline.Driver{
		Registry:   registry,
		Resolver:   resolver,
		Classifier: classifier,
		Contracts:  pipeline.NewContractStore(),
		GuardThresholds: pipeline.GuardThresholds{
			BlockLimit:          cfg.Pipeline.ContextBlockLimit,
			DupMin:              cfg.Pipeline.ContextDupMin,
			SoftLimit:           cfg.Pipeline.ContextSoftLimit,
			HardLimit:           cfg.Pipeline.ContextHardLimit,
			EnforcementOverhead: cfg.Pipeline.EnforcementOverhead,
		},
		Models: pipeline.TierModels{
			Cheap:     cfg.Models.Cheap,
			Mid:       cfg.Models.Mid,
			Expensive: cfg.Models.Expensive,
		},
		LedgerRepos: cfg.Pipeline.LedgerRepos,
		SideCache:   pipeline.NewSideCache(10 * time.Minute),
		Snapshots:   snapshots,
	}

	// Initialize telemetry (graceful degradation if initialization fails).
	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
		}
	}
	if tp == nil {
		tp = telemetry.NoopProvider()
	}

	// Initialize SQLite storage for request history.
	var sqliteStore *storage.SQLiteStore
	if cfg.Storage.Enabled {
		dataDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			slog.Error("failed to create data directory", "error", err, "path", dataDir)
			os.Exit(1)
		}
		sqliteStore, err = storage.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			slog.Error("failed to initialize SQLite storage", "error", err)
			os.Exit(1)
		}
		slog.Info("SQLite storage enabled", "path", cfg.Storage.Path, "retention_days", cfg.Storage.RetentionDays)
	}

	redactor, err := redaction.NewFromConfig(cfg.Redaction)
	if err != nil {
		slog.Error("failed to compile redaction patterns", "error", err)
		os.Exit(1)
	}
	slog.Info("content redaction configured", "enabled", cfg.Redaction.Enabled, "custom_patterns", len(cfg.Redaction.CustomPatterns))

	proxyHandler := &proxyhttp.Handler{
		Driver:    driver,
		Upstream:  upstreamClient,
		Telemetry: tp,
		History:   sqliteStore,
		Redactor:  redactor,
	}

	controlHandler := control.NewWithAuth(registry, overrides, sqliteStore, cfg.Control.AuthEnabled, cfg.Control.APIKey)

	proxyServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      proxyHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses are not length-bounded
		IdleTimeout:  120 * time.Second,
	}

	var controlServer *http.Server
	if cfg.Control.Enabled {
		controlServer = &http.Server{
			Addr:         cfg.Control.Listen,
			Handler:      controlHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	errChan := make(chan error, 2)

	if cfg.TLS.Enabled {
		tlsConfig, err := setupTLS(cfg.TLS)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(1)
		}
		proxyServer.TLSConfig = tlsConfig
		slog.Info("TLS enabled for proxy server")
	}

	go func() {
		if cfg.TLS.Enabled {
			slog.Info("proxy server starting (HTTPS)", "addr", cfg.Listen)
			if err := proxyServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("proxy server error: %w", err)
			}
		} else {
			slog.Info("proxy server starting (HTTP)", "addr", cfg.Listen)
			if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("proxy server error: %w", err)
			}
		}
	}()

	if controlServer != nil {
		go func() {
			slog.Info("control server starting", "addr", cfg.Control.Listen)
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("control server error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down servers")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("proxy server shutdown error", "error", err)
	}
	if controlServer != nil {
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("control server shutdown error", "error", err)
		}
	}
	if err := store.Close(); err != nil {
		slog.Error("session store close error", "error", err)
	}
	if sqliteStore != nil {
		if err := sqliteStore.Close(); err != nil {
			slog.Error("SQLite close error", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown error", "error", err)
	}

	slog.Info("routerd stopped")
}

// setupTLS configures TLS for the proxy server.
func setupTLS(cfg config.TLSConfig) (*tls.Config, error) {
	var cert tls.Certificate
	var err error

	switch {
	case cfg.AutoCert:
		cert, err = generateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generating self-signed cert: %w", err)
		}
		slog.Warn("using auto-generated self-signed certificate (development only)")
	case cfg.CertFile != "" && cfg.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		slog.Info("loaded TLS certificate", "cert", cfg.CertFile, "key", cfg.KeyFile)
	default:
		return nil, fmt.Errorf("TLS enabled but no certificate configured (set cert_file/key_file or auto_cert)")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// generateSelfSignedCert creates a self-signed certificate for local development.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"routerd development"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost", "routerd", "*.routerd.local"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})

	return tls.X509KeyPair(certPEM, keyPEM)
}
