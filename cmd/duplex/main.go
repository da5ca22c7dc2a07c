// Package main sends one request per protocol version and prints every
// response event as it arrives.
//
// Configuration comes from DUPLEX_* environment variables, for example:
//
//	DUPLEX_HOST=example.com DUPLEX_TLS=true DUPLEX_DECOMPRESS=true go run ./cmd/duplex
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"github.com/albertbausili/duplex/pkg/duplex"
)

type demoConfig struct {
	Path    string        `envconfig:"PATH" default:"/"`
	Method  string        `envconfig:"METHOD" default:"GET"`
	Timeout time.Duration `envconfig:"TIMEOUT" default:"30s"`
	// AllVersions runs the request once per version instead of only
	// DUPLEX_VERSION. HTTP/2 is skipped without TLS.
	AllVersions bool `envconfig:"ALL_VERSIONS" default:"true"`
	duplex.LogConfig
}

func main() {
	var demo demoConfig
	if err := envconfig.Process("duplex", &demo); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load demo config: %v\n", err)
		os.Exit(2)
	}
	logger, err := duplex.NewLogger(demo.LogConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := duplex.LoadConfig("duplex")
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	cfg.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, demo.Timeout)
	defer cancel()

	versions := []duplex.Version{cfg.Version}
	if demo.AllVersions {
		versions = []duplex.Version{duplex.HTTP11}
		if cfg.UseTLS {
			versions = append(versions, duplex.HTTP2)
		}
	}

	failed := false
	for _, version := range versions {
		vcfg := cfg
		vcfg.Version = version
		if err := run(ctx, vcfg, demo); err != nil {
			logger.Error("request failed", zap.Stringer("version", version), zap.Error(err))
			failed = true
		}
	}
	if failed {
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg duplex.Config, demo demoConfig) error {
	client, err := duplex.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	version := client.Version()
	target := demo.Method + " " + demo.Path
	handler := duplex.Callbacks{
		Response: func(start duplex.ResponseStart) {
			fmt.Printf("[%s] %s: response %d %s\n", version, target, start.Status, start.Reason)
		},
		Headers: func(headers duplex.Headers, final bool) {
			fmt.Printf("[%s] %s: %d headers (final=%t)\n", version, target, headers.Len(), final)
			for _, f := range headers.All() {
				fmt.Printf("    %s: %s\n", f[0], f[1])
			}
		},
		Content: func(chunk []byte, final bool) {
			fmt.Printf("[%s] %s: %d content bytes (final=%t)\n", version, target, len(chunk), final)
		},
	}

	headers := duplex.NewHeaders("Accept", "*/*", "User-Agent", "duplex-demo")
	future, err := client.Request(ctx, demo.Method, demo.Path, headers, nil, handler)
	if err != nil {
		return err
	}
	resp, err := future.Wait(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("[%s] %s: complete, status %d, %d body bytes\n", version, target, resp.Status, len(resp.Body))
	return nil
}
