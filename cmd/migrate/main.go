// Command migrate runs a one-shot, resumable copy of cache contents into
// the document store.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/cacheio"
	"github.com/fieldworks-io/sensorgrid/internal/config"
	"github.com/fieldworks-io/sensorgrid/internal/migrate"
	"github.com/fieldworks-io/sensorgrid/internal/store"
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
	sessions := flag.String("sessions", "", "comma-separated explicit session_prefix list; empty discovers all sessions in the cache")
	pageSize := flag.Int("page-size", 0, "page size for history/timeseries scans; 0 uses sync.page_size from config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[migrate] config error: %v", err)
		return exitConfigError
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cacheClient, err := cacheio.Connect(ctx, cfg.Cache, 0)
	if err != nil {
		log.Printf("[migrate] cache unreachable: %v", err)
		return exitUnreachable
	}
	defer cacheClient.Close()

	db, err := store.Connect(cfg.DocumentStore)
	if err != nil {
		log.Printf("[migrate] document store unreachable: %v", err)
		return exitUnreachable
	}
	defer store.Close(db)

	size := *pageSize
	if size <= 0 {
		size = cfg.Sync.PageSize
	}
	m := migrate.New(cacheClient, db, size)

	var sessionList []string
	if *sessions != "" {
		for _, s := range strings.Split(*sessions, ",") {
			if s = strings.TrimSpace(s); s != "" {
				sessionList = append(sessionList, s)
			}
		}
	}

	runCtx, runCancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer runCancel()
	summary, err := m.Run(runCtx, sessionList)
	if err != nil {
		log.Printf("[migrate] run failed: %v", err)
		return exitUnreachable
	}

	log.Printf("[migrate] attempted=%d succeeded=%d failed=%d", summary.Attempted, summary.Succeeded, summary.Failed)
	for key, errMsg := range summary.PerKeyErrors {
		log.Printf("[migrate]   %s: %s", key, errMsg)
	}
	return exitOK
}
