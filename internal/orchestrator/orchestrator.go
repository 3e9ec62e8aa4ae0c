// Package orchestrator wires the module manager, cache writer, and
// document writer (optionally the realtime sync workers) into one running
// system with sequenced startup and shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/acquire"
	"github.com/fieldworks-io/sensorgrid/internal/cacheio"
	"github.com/fieldworks-io/sensorgrid/internal/model"
	"github.com/fieldworks-io/sensorgrid/internal/store"
	"github.com/fieldworks-io/sensorgrid/internal/syncer"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const defaultStopDeadline = 5 * time.Second

// Orchestrator composes the acquisition, cache, and document layers into
// one lifecycle.
type Orchestrator struct {
	cfg          *model.Config
	manager      *acquire.Manager
	cacheClient  *redis.Client
	cacheWriter  *cacheio.Writer
	db           *gorm.DB
	docWriter    *store.Writer
	sync         *syncer.Syncer
	runSync      bool
	stopDeadline time.Duration

	cancel       context.CancelFunc
	writerCancel context.CancelFunc
	syncDone     chan struct{}
	writerDone   chan struct{}
}

// New constructs an Orchestrator from a loaded config. runSync also runs
// the sync workers in-process.
func New(cfg *model.Config, runSync bool) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		runSync:      runSync,
		stopDeadline: defaultStopDeadline,
	}
}

// Start connects the cache and document backends first, failing fast if
// either is unreachable, then starts the module readers and writer
// pumps, then optionally the sync workers.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.manager = acquire.New(o.cfg.Acquisition, o.cfg.SessionPrefix, 4096)

	cacheClient, err := cacheio.Connect(ctx, o.cfg.Cache, 2)
	if err != nil {
		return fmt.Errorf("cache unreachable at startup: %w", err)
	}
	o.cacheClient = cacheClient
	o.cacheWriter = cacheio.New(cacheClient, o.cfg.SessionPrefix)

	db, err := store.Connect(o.cfg.DocumentStore)
	if err != nil {
		return fmt.Errorf("document store unreachable at startup: %w", err)
	}
	o.db = db
	o.docWriter = store.New(db, o.cfg.SessionPrefix)

	for _, mc := range o.cfg.Modules {
		if err := o.manager.Add(mc); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	// The writers get their own context so cancelling the acquisition
	// side does not stop them mid-drain; they exit when their input
	// channels close, and writerCancel is only a post-drain hard stop.
	writerCtx, writerCancel := context.WithCancel(context.Background())
	o.writerCancel = writerCancel

	// Every reading is fanned to both writers so the cache and document
	// tiers stay in step.
	o.manager.StartAll(runCtx)
	cacheIn := make(chan model.SensorReading, 4096)
	docIn := make(chan model.SensorReading, 4096)
	o.writerDone = make(chan struct{})
	go o.fanOut(runCtx, cacheIn, docIn)
	go func() {
		defer close(o.writerDone)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			o.cacheWriter.Run(writerCtx, cacheIn)
		}()
		go func() {
			defer wg.Done()
			o.docWriter.Run(writerCtx, docIn)
		}()
		wg.Wait()
	}()

	if o.runSync {
		o.sync = syncer.New(cacheClient, db, o.cfg.Sync, o.cfg.SessionPrefix)
		o.syncDone = make(chan struct{})
		go func() {
			defer close(o.syncDone)
			o.sync.Run(runCtx)
		}()
	}

	log.Printf("[orchestrator] started session=%s modules=%d sync=%v", o.cfg.SessionPrefix, len(o.cfg.Modules), o.runSync)
	return nil
}

func (o *Orchestrator) fanOut(ctx context.Context, cacheIn, docIn chan<- model.SensorReading) {
	defer close(cacheIn)
	defer close(docIn)
	sub := o.manager.Subscribe()
	for {
		select {
		case <-ctx.Done():
			o.drain(sub, cacheIn, docIn)
			return
		case r, ok := <-sub:
			if !ok {
				return
			}
			cacheIn <- r
			docIn <- r
		}
	}
}

// drain forwards whatever is still buffered in the stopped manager's
// output so samples already read off a module socket reach both tiers.
// Stop cancels the fan-in pump before cancelling this goroutine's
// context, so the stream is quiescent here and an empty channel means
// done. The whole drain is bounded by the stop deadline.
func (o *Orchestrator) drain(sub <-chan model.SensorReading, cacheIn, docIn chan<- model.SensorReading) {
	deadline := time.NewTimer(o.stopDeadline)
	defer deadline.Stop()
	drained := 0
	for {
		select {
		case r, ok := <-sub:
			if !ok {
				return
			}
			select {
			case cacheIn <- r:
			case <-deadline.C:
				log.Printf("[orchestrator] sample drain exceeded deadline after %d samples", drained)
				return
			}
			select {
			case docIn <- r:
			case <-deadline.C:
				log.Printf("[orchestrator] sample drain exceeded deadline after %d samples", drained)
				return
			}
			drained++
		case <-deadline.C:
			log.Printf("[orchestrator] sample drain exceeded deadline after %d samples", drained)
			return
		default:
			if drained > 0 {
				log.Printf("[orchestrator] drained %d buffered samples at shutdown", drained)
			}
			return
		}
	}
}

// Stop reverses Start: stop the readers, drain the sample channel within
// the stop deadline, let the writers flush their final batches, then
// disconnect from both backends.
func (o *Orchestrator) Stop() {
	log.Printf("[orchestrator] stopping")
	o.manager.StopAll()

	if o.cancel != nil {
		o.cancel()
	}
	if o.syncDone != nil {
		select {
		case <-o.syncDone:
		case <-time.After(o.stopDeadline):
			log.Printf("[orchestrator] sync worker shutdown exceeded deadline")
		}
	}
	if o.writerDone != nil {
		select {
		case <-o.writerDone:
		case <-time.After(o.stopDeadline):
			log.Printf("[orchestrator] writer shutdown exceeded deadline")
		}
	}
	if o.writerCancel != nil {
		o.writerCancel()
	}

	if o.cacheClient != nil {
		if err := o.cacheClient.Close(); err != nil {
			log.Printf("[orchestrator] cache disconnect error: %v", err)
		}
	}
	if o.db != nil {
		if err := store.Close(o.db); err != nil {
			log.Printf("[orchestrator] document store disconnect error: %v", err)
		}
	}
	log.Printf("[orchestrator] stopped")
}

// Statistics aggregates the counters of every owned component.
type Statistics struct {
	Acquisition acquire.Statistics
	Cache       cacheio.Statistics
	Store       store.Statistics
}

func (o *Orchestrator) Statistics() Statistics {
	return Statistics{
		Acquisition: o.manager.Statistics(),
		Cache:       o.cacheWriter.Statistics(),
		Store:       o.docWriter.Statistics(),
	}
}
