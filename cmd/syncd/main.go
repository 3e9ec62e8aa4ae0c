// Command syncd runs the realtime cache-to-document-store sync as a
// standalone, long-running process independent of acquisition.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/cacheio"
	"github.com/fieldworks-io/sensorgrid/internal/config"
	"github.com/fieldworks-io/sensorgrid/internal/store"
	"github.com/fieldworks-io/sensorgrid/internal/syncer"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitUnreachable = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the configuration document")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[syncd] config error: %v", err)
		return exitConfigError
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer connectCancel()

	cacheClient, err := cacheio.Connect(connectCtx, cfg.Cache, 0)
	if err != nil {
		log.Printf("[syncd] cache unreachable: %v", err)
		return exitUnreachable
	}
	defer cacheClient.Close()

	db, err := store.Connect(cfg.DocumentStore)
	if err != nil {
		log.Printf("[syncd] document store unreachable: %v", err)
		return exitUnreachable
	}
	defer store.Close(db)

	s := syncer.New(cacheClient, db, cfg.Sync, cfg.SessionPrefix)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	log.Printf("[syncd] running for session %s", cfg.SessionPrefix)
	<-sig
	log.Println("[syncd] shutdown signal received")
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Println("[syncd] shutdown exceeded deadline, exiting anyway")
	}

	log.Println("[syncd] stopped")
	return exitOK
}
