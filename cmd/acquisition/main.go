// Command acquisition runs the integrated acquisition daemon: the module
// manager, cache writer, and document writer, optionally with the
// realtime sync workers in-process.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/alert"
	"github.com/fieldworks-io/sensorgrid/internal/config"
	"github.com/fieldworks-io/sensorgrid/internal/orchestrator"
	"github.com/fieldworks-io/sensorgrid/internal/reader"
)

const (
	exitOK             = 0
	exitConfigError    = 1
	exitBackendUnreach = 2
	exitShutdownError  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the configuration document")
	withSync := flag.Bool("with-sync", false, "also run the realtime sync workers in-process")
	statusInterval := flag.Duration("status-interval", 30*time.Second, "interval between status log lines")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[acquisition] config error: %v", err)
		return exitConfigError
	}

	var alertPub *alert.Publisher
	if cfg.Alert != nil && cfg.Alert.BrokerURL != "" {
		alertPub, err = alert.Connect(cfg.Alert.BrokerURL, "sensorgrid-acquisition", cfg.Alert.Topic)
		if err != nil {
			log.Printf("[acquisition] alert publisher unavailable, continuing without it: %v", err)
			alertPub = nil
		} else {
			defer alertPub.Close()
		}
	}

	orc := orchestrator.New(cfg, *withSync)

	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = orc.Start(startCtx)
	startCancel()
	if err != nil {
		log.Printf("[acquisition] startup failed: %v", err)
		return exitBackendUnreach
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	go statusLoop(ctx, orc, alertPub, *statusInterval)

	<-sig
	log.Println("[acquisition] shutdown signal received")
	cancel()

	stopped := make(chan struct{})
	go func() {
		orc.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(15 * time.Second):
		log.Println("[acquisition] shutdown exceeded deadline")
		return exitShutdownError
	}

	log.Println("[acquisition] stopped cleanly")
	return exitOK
}

// statusLoop periodically logs each module's state and failure count,
// and raises an alert for any module stuck reconnecting.
func statusLoop(ctx context.Context, orc *orchestrator.Orchestrator, alertPub *alert.Publisher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStatus(orc, alertPub)
		}
	}
}

func logStatus(orc *orchestrator.Orchestrator, alertPub *alert.Publisher) {
	stats := orc.Statistics()
	log.Printf("[acquisition] status: dropped_oldest=%d cache_writes=%d cache_errors=%d store_writes=%d store_errors=%d",
		stats.Acquisition.DroppedOldest, stats.Cache.Writes, stats.Cache.Errors, stats.Store.Writes, stats.Store.Errors)
	for id, st := range stats.Acquisition.Modules {
		log.Printf("[acquisition]   module %s: state=%s failures=%d reads=%d errors=%d last_success=%s",
			id, st.State, st.ConsecutiveFailures, st.TotalReads, st.TotalErrors, st.LastSuccessTS.Format(time.RFC3339))
		if alertPub != nil && (st.State == reader.StateReconnecting || st.State == reader.StateConnecting) && st.TotalErrors > 0 {
			err := alertPub.Publish(alert.Alert{
				ModuleID:  id,
				Severity:  "warning",
				Message:   "module unreachable, reconnecting",
				Timestamp: time.Now(),
			})
			if err != nil {
				log.Printf("[acquisition] alert publish for %s failed: %v", id, err)
			}
		}
	}
}
