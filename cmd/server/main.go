package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	servercmd "github.com/louisbranch/abstractwallet/internal/cmd/server"
	"github.com/louisbranch/abstractwallet/internal/platform/otel"
)

func main() {
	cfg, err := servercmd.ParseConfig(flag.CommandLine, os.Args[1:], func(key string) (string, bool) {
		value, ok := os.LookupEnv(key)
		return value, ok
	})
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[WALLET] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := otel.Setup(ctx, "abstractwallet")
	if err != nil {
		log.Printf("otel setup: %v", err)
	}
	defer func() {
		_ = shutdown(context.Background())
	}()

	if err := servercmd.Run(ctx, cfg); err != nil && err != context.Canceled {
		log.Fatalf("failed to serve: %v", err)
	}
}
