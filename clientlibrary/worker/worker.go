/*
 * Copyright (c) 2021 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
// The event loop is derived from https://github.com/patrobinson/gokini
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/vmware/vmware-go-reindex/clientlibrary/bulk"
	"github.com/vmware/vmware-go-reindex/clientlibrary/config"
	"github.com/vmware/vmware-go-reindex/clientlibrary/coordinator"
	"github.com/vmware/vmware-go-reindex/clientlibrary/interfaces"
	"github.com/vmware/vmware-go-reindex/clientlibrary/lease"
	"github.com/vmware/vmware-go-reindex/clientlibrary/metrics"
	"github.com/vmware/vmware-go-reindex/clientlibrary/reindex"
	"github.com/vmware/vmware-go-reindex/clientlibrary/workitem"
	"github.com/vmware/vmware-go-reindex/logger"
)

// ErrLeaseExpired is returned when the lease of a work item ran out before any document was
// acknowledged, so nothing could be handed over to a successor.
var ErrLeaseExpired = errors.New("lease expired before the work item made progress")

// RunOutcome tells what one RunOnce call did.
type RunOutcome int

const (
	WorkItemCompleted RunOutcome = iota + 1
	WorkItemSplit
	NoWorkAvailable
	AllWorkComplete
)

var runOutcomeNames = map[RunOutcome]string{
	WorkItemCompleted: "WorkItemCompleted",
	WorkItemSplit:     "WorkItemSplit",
	NoWorkAvailable:   "NoWorkAvailable",
	AllWorkComplete:   "AllWorkComplete",
}

func (o RunOutcome) String() string {
	if name, ok := runOutcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("RunOutcome(%d)", int(o))
}

/**
 * Worker is the migration worker process. It repeatedly leases a work item from the coordination
 * store, reindexes the documents of its shard into the target cluster and then completes the work
 * item, or hands the rest of the shard over to a successor work item when the lease runs out.
 */
type Worker struct {
	sessionName string
	workerID    string

	cfg         *config.MigrationConfiguration
	log         logger.Logger
	source      interfaces.DocumentSource
	sink        bulk.Sink
	enumerator  interfaces.ShardEnumerator
	transformer interfaces.Transformer
	failedLog   logger.FailedRequestsLogger
	store       coordinator.Store
	mService    metrics.MonitoringService
	clock       func() time.Time

	coordinator *coordinator.WorkCoordinator
	reindexer   *reindex.DocumentReindexer
	trigger     *lease.ExpirationTrigger

	initMux     sync.Mutex
	initialized bool
	seeded      bool

	stop      *chan struct{}
	cancel    context.CancelFunc
	waitGroup *sync.WaitGroup
	done      bool

	rng *rand.Rand
}

// NewWorker constructs a Worker reading shards from source and writing them through sink. A nil
// sink is replaced by a bulk sink to the configured target cluster on initialization.
func NewWorker(source interfaces.DocumentSource, sink bulk.Sink, cfg *config.MigrationConfiguration) *Worker {
	mService := cfg.MonitoringService
	if mService == nil {
		// Replaces nil with noop monitor service (not emitting any metrics).
		mService = metrics.NoopMonitoringService{}
		cfg.MonitoringService = mService
	}
	log := cfg.Logger
	if log == nil {
		log = logger.GetDefaultLogger()
		cfg.Logger = log
	}

	return &Worker{
		sessionName: cfg.SessionName,
		workerID:    cfg.WorkerID,
		cfg:         cfg,
		log:         log.WithFields(logger.Fields{"workerID": cfg.WorkerID}),
		source:      source,
		sink:        sink,
		mService:    mService,
		clock:       time.Now,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithStore is used to provide a custom coordination store or one shared by tests.
func (w *Worker) WithStore(store coordinator.Store) *Worker {
	w.store = store
	return w
}

func (w *Worker) WithTransformer(transformer interfaces.Transformer) *Worker {
	w.transformer = transformer
	return w
}

// WithShardEnumerator makes the worker seed one work item per shard before acquiring work.
func (w *Worker) WithShardEnumerator(enumerator interfaces.ShardEnumerator) *Worker {
	w.enumerator = enumerator
	return w
}

func (w *Worker) WithFailedRequestsLogger(failedLog logger.FailedRequestsLogger) *Worker {
	w.failedLog = failedLog
	return w
}

// WithClock replaces the clock of the lease protocol and the lease trigger.
func (w *Worker) WithClock(clock func() time.Time) *Worker {
	w.clock = clock
	return w
}

// Start initializes the worker and runs its event loop in the background until Shutdown is called
// or every work item of the session is complete.
func (w *Worker) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.initialize(ctx); err != nil {
		cancel()
		w.log.Errorf("Failed to initialize Worker: %+v", err)
		return err
	}

	w.log.Infof("Starting monitoring service.")
	if err := w.mService.Start(); err != nil {
		cancel()
		w.log.Errorf("Failed to start monitoring service: %+v", err)
		return err
	}

	stopChan := make(chan struct{})
	w.stop = &stopChan
	w.cancel = cancel
	w.waitGroup = &sync.WaitGroup{}

	w.log.Infof("Starting worker event loop.")
	w.waitGroup.Add(1)
	go func() {
		defer w.waitGroup.Done()
		w.eventLoop(ctx)
	}()
	return nil
}

// Shutdown stops the event loop. A work item in flight hands its acknowledged progress over to a
// successor before Shutdown returns.
func (w *Worker) Shutdown() {
	w.log.Infof("Worker shutdown is requested.")

	if w.done || w.stop == nil {
		return
	}

	close(*w.stop)
	w.cancel()
	w.done = true
	w.waitGroup.Wait()

	w.trigger.Close()
	w.mService.Shutdown()
	w.log.Infof("Worker loop is complete. Exiting from worker.")
}

// RunOnce seeds the work items of the snapshot if needed, then acquires and processes at most one
// work item.
func (w *Worker) RunOnce(ctx context.Context) (RunOutcome, error) {
	if err := w.initialize(ctx); err != nil {
		return 0, err
	}
	if err := w.seed(ctx); err != nil {
		return 0, err
	}

	acquired, err := w.coordinator.AcquireNextWorkItem(ctx, w.cfg.InitialLeaseDuration())
	if err != nil {
		return 0, err
	}
	if acquired.NoAvailableWork {
		incomplete, err := w.coordinator.WorkItemsNotYetComplete(ctx)
		if err != nil {
			return 0, err
		}
		if !incomplete {
			return AllWorkComplete, nil
		}
		return NoWorkAvailable, nil
	}

	return w.newWorkItemConsumer(acquired).consume(ctx)
}

func (w *Worker) initialize(ctx context.Context) error {
	w.initMux.Lock()
	defer w.initMux.Unlock()
	if w.initialized {
		return nil
	}

	w.log.Infof("Worker initialization in progress...")
	if w.store == nil {
		w.log.Infof("Creating %s coordination store", w.cfg.CoordinatorBackend)
		store, err := coordinator.NewStore(w.cfg)
		if err != nil {
			return err
		}
		w.store = store
	} else {
		w.log.Infof("Use custom coordination store.")
	}

	if w.sink == nil {
		w.log.Infof("Creating bulk sink for %v", w.cfg.TargetEndpoints)
		sink, err := bulk.NewElasticsearchSinkWithAddresses(w.cfg.TargetUsername, w.cfg.TargetPassword,
			w.cfg.TargetEndpoints...)
		if err != nil {
			return err
		}
		w.sink = sink
	}

	if err := w.mService.Init(w.cfg.ApplicationName, w.sessionName, w.workerID); err != nil {
		w.log.Errorf("Failed to initialize monitoring service: %+v", err)
	}

	w.log.Infof("Initializing coordination store")
	if err := w.store.Init(ctx); err != nil {
		w.log.Errorf("Failed to initialize coordination store: %+v", err)
		return err
	}

	w.coordinator = coordinator.NewWorkCoordinator(w.store, w.cfg).WithClock(w.clock)
	w.trigger = lease.NewExpirationTrigger(w.log).WithClock(w.clock)

	var opts []reindex.Option
	if w.transformer != nil {
		opts = append(opts, reindex.WithTransformer(w.transformer))
	}
	if w.failedLog != nil {
		opts = append(opts, reindex.WithFailedRequestsLogger(w.failedLog))
	}
	w.reindexer = reindex.NewDocumentReindexer(w.sink, w.cfg, opts...)

	w.initialized = true
	w.log.Infof("Initialization complete.")
	return nil
}

// seed creates the first work item of every shard. Every worker may seed; creation is idempotent.
func (w *Worker) seed(ctx context.Context) error {
	if w.enumerator == nil || w.seeded {
		return nil
	}

	shards, err := w.enumerator.ListShards(ctx)
	if err != nil {
		return fmt.Errorf("unable to list shards: %w", err)
	}

	created := 0
	for _, shard := range shards {
		item, err := workitem.New(shard.IndexName, shard.ShardNumber, 0)
		if err != nil {
			return err
		}
		ok, err := w.coordinator.CreateUnassignedWorkItem(ctx, item)
		if err != nil {
			return err
		}
		if ok {
			created++
		}
	}

	w.seeded = true
	w.log.Infof("Found %d shards, created %d work items", len(shards), created)
	return nil
}

func (w *Worker) eventLoop(ctx context.Context) {
	for {
		outcome, err := w.RunOnce(ctx)

		// Add [-50%, +50%] random jitter to the idle interval so that workers started together do
		// not poll the coordination store in lockstep.
		interval := w.cfg.NoWorkPollIntervalMillis
		idle := time.Duration(interval/2+w.rng.Intn(interval)) * time.Millisecond

		switch {
		case err != nil && ctx.Err() != nil:
			w.log.Infof("Shutting down...")
			return
		case err != nil:
			w.log.Errorf("Error processing work: %+v, retrying in %s...", err, idle)
		case outcome == AllWorkComplete:
			w.log.Infof("All work items of session %s are complete.", w.sessionName)
			return
		case outcome == NoWorkAvailable:
			w.log.Debugf("No work item available, waiting %s...", idle)
		default:
			idle = 0
		}

		select {
		case <-*w.stop:
			w.log.Infof("Shutting down...")
			return
		case <-time.After(idle):
		}
	}
}
