// Command registry runs the OCI Distribution v2 HTTP surface backed by a
// content-addressed remote pinning service, with a local filesystem store
// for durability and fast reads while a pin propagates.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JAG-UK/pincer/internal/blobstore"
	"github.com/JAG-UK/pincer/internal/mapping"
	"github.com/JAG-UK/pincer/internal/pipeline"
	"github.com/JAG-UK/pincer/internal/remote"
	"github.com/JAG-UK/pincer/internal/resolver"
	"github.com/JAG-UK/pincer/internal/server"
	"github.com/JAG-UK/pincer/internal/upload"
)

var (
	portFlag = flag.Int("port", 0, "bind port (overrides PORT env)")
	hostFlag = flag.String("host", "", "bind address (overrides HOST env)")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := loadConfig()

	store, err := blobstore.New(cfg.storageDir)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize local storage")
	}

	idx, err := mapping.Load(cfg.mappingFile)
	if err != nil {
		log.WithError(err).Fatal("failed to load mapping file")
	}

	backend := remote.NewHTTPBackend(cfg.gatewayURL)
	mgr := remote.NewManager(backend, cfg.rpcURL, cfg.warmStorage, "pincer")

	res := resolver.New(store, mgr)
	uploads := upload.NewTable(store)
	defer uploads.Close()

	pl := pipeline.New(mgr, idx, log)

	srv := server.New(log, store, uploads, idx, res, mgr, pl)

	addr := net.JoinHostPort(cfg.host, fmt.Sprint(cfg.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.WithError(err).Fatal("failed to bind listener")
	}

	httpServer := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("addr", addr).Info("pincer registry listening")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("server stopped unexpectedly")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful HTTP shutdown failed")
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("remote manager teardown failed")
	}
}

type config struct {
	mappingFile string
	storageDir  string
	host        string
	port        int
	rpcURL      string
	warmStorage string
	gatewayURL  string
}

// loadConfig reads env vars, then lets -host/-port flags override them.
func loadConfig() config {
	cfg := config{
		mappingFile: envOr("MAPPING_FILE", "image_mapping.json"),
		storageDir:  envOr("STORAGE_DIR", "storage"),
		host:        envOr("HOST", "0.0.0.0"),
		port:        5002,
		rpcURL:      os.Getenv("RPC_URL"),
		warmStorage: os.Getenv("WARM_STORAGE_ADDRESS"),
		gatewayURL:  envOr("GATEWAY_URL", os.Getenv("RPC_URL")),
	}

	if p := os.Getenv("PORT"); p != "" {
		if parsed, err := fmt.Sscanf(p, "%d", &cfg.port); err != nil || parsed != 1 {
			fmt.Fprintf(os.Stderr, "invalid PORT %q, using default %d\n", p, cfg.port)
		}
	}

	if *hostFlag != "" {
		cfg.host = *hostFlag
	}
	if *portFlag != 0 {
		cfg.port = *portFlag
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
