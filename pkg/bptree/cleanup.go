package bptree

import (
	"sync"
	"time"
)

// CleanupJob is a unit of background maintenance work produced by a tree on
// open, such as a structural verification sweep of a file that was not
// checkpointed before the previous process died.
type CleanupJob func() error

// CleanupCollector receives cleanup jobs from trees. The tree never spawns
// goroutines itself; scheduling is the collector's concern so the embedding
// system controls the worker pool.
type CleanupCollector interface {
	Add(job CleanupJob)
}

// ImmediateCollector runs each job inline on the calling goroutine. Suited
// to tests and one-shot tooling where open may pay the sweep up front.
type ImmediateCollector struct{}

func (ImmediateCollector) Add(job CleanupJob) { _ = job() }

// IgnoringCollector discards jobs. Open stays cheap; nothing is verified.
type IgnoringCollector struct{}

func (IgnoringCollector) Add(CleanupJob) {}

// BackgroundCollector runs jobs sequentially on a single worker goroutine.
// Close drains queued jobs before returning.
type BackgroundCollector struct {
	mu     sync.Mutex
	jobs   chan CleanupJob
	wg     sync.WaitGroup
	closed bool
}

// NewBackgroundCollector starts the worker.
func NewBackgroundCollector() *BackgroundCollector {
	c := &BackgroundCollector{jobs: make(chan CleanupJob, 16)}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for job := range c.jobs {
			_ = job()
		}
	}()
	return c
}

// Add queues a job. Jobs added after Close are dropped.
func (c *BackgroundCollector) Add(job CleanupJob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.jobs <- job
}

// Close stops accepting jobs and waits for queued ones to finish.
func (c *BackgroundCollector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.jobs)
	c.mu.Unlock()
	c.wg.Wait()
}

// Monitor observes tree-internal lifecycle events. All callbacks are
// optional; nil fields are skipped.
type Monitor struct {
	CleanupRegistered func()
	CleanupStarted    func()
	CleanupFinished   func(entries int64, duration time.Duration)
	CleanupClosed     func()
	CleanupFailed     func(err error)
}

// registerCleanup hands a verification sweep of an existing file to the
// collector. The sweep counts entries and runs the structural check; faults
// are reported through the monitor, not returned, since the job runs after
// open has already succeeded.
func (t *Tree) registerCleanup(collector CleanupCollector, monitor Monitor) {
	if collector == nil {
		return
	}
	if monitor.CleanupRegistered != nil {
		monitor.CleanupRegistered()
	}
	collector.Add(func() error {
		if monitor.CleanupStarted != nil {
			monitor.CleanupStarted()
		}
		start := time.Now()

		var entries int64
		var firstFault error
		_, err := t.ConsistencyCheck(CheckVisitor{
			Entry: func(_, _ []byte) { entries++ },
			StructuralFault: func(fault error) {
				if firstFault == nil {
					firstFault = fault
				}
			},
		})
		if err == nil {
			err = firstFault
		}
		if err != nil {
			if monitor.CleanupFailed != nil {
				monitor.CleanupFailed(err)
			}
		} else if monitor.CleanupFinished != nil {
			monitor.CleanupFinished(entries, time.Since(start))
		}
		if monitor.CleanupClosed != nil {
			monitor.CleanupClosed()
		}
		return err
	})
}
