package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/sheerbytes/transferq/internal/config"
	"github.com/sheerbytes/transferq/internal/logging"
	"github.com/sheerbytes/transferq/internal/transport"
	"github.com/sheerbytes/transferq/internal/transport/quicrange"
)

func main() {
	cfg, err := config.ParseSourceConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log := logging.New("rangeserv", cfg.LogLevel)

	fi, err := os.Stat(cfg.Root)
	if err != nil || !fi.IsDir() {
		log.WithField("root", cfg.Root).Error("root is not a directory")
		os.Exit(2)
	}

	tlsConf, err := transport.ServerTLSConfig(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		log.WithError(err).Error("tls setup failed")
		os.Exit(1)
	}
	if cfg.CertFile == "" {
		log.Warn("serving with a self-signed certificate; clients need --insecure")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := quicrange.NewServer(cfg.Root, quicrange.ServerOptions{
		RateLimit: cfg.RateLimit,
		Logger:    log,
	})
	if err := srv.ListenAndServe(ctx, cfg.Addr, tlsConf); err != nil {
		log.WithError(err).Error("server failed")
		os.Exit(1)
	}
	log.WithFields(logrus.Fields{
		"requests": srv.Requests(),
		"served":   transport.FormatBytes(srv.Served()),
	}).Info("server stopped")
}
