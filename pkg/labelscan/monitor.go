package labelscan

import (
	"log"
	"time"
)

// Monitor observes store lifecycle events. All callbacks are optional; nil
// fields are skipped. Register listeners on a Monitors registry before the
// store is initialized.
type Monitor struct {
	// Init fires when store initialization begins.
	Init func()

	// NoIndex fires when init finds no store file on disk.
	NoIndex func()

	// NotValidIndex fires when the on-disk store cannot be used as-is:
	// dirty header or metadata mismatch.
	NotValidIndex func()

	// Rebuilding fires when start begins repopulating from the change
	// stream, Rebuilt when it finishes with the number of nodes read.
	Rebuilding func()
	Rebuilt    func(nodes int64)

	// Recovery cleanup events, forwarded from the tree's background
	// verification of a pre-existing file.
	CleanupRegistered func()
	CleanupStarted    func()
	CleanupFinished   func(entries int64, duration time.Duration)
	CleanupClosed     func()
	CleanupFailed     func(err error)
}

// Monitors fans events out to registered listeners.
type Monitors struct {
	listeners []Monitor
}

// NewMonitors returns an empty registry.
func NewMonitors() *Monitors { return &Monitors{} }

// AddListener registers a listener. Not safe to call concurrently with
// store operation; register before Init.
func (m *Monitors) AddListener(listener Monitor) {
	m.listeners = append(m.listeners, listener)
}

func (m *Monitors) each(fn func(Monitor)) {
	if m == nil {
		return
	}
	for _, l := range m.listeners {
		fn(l)
	}
}

func (m *Monitors) init() {
	m.each(func(l Monitor) {
		if l.Init != nil {
			l.Init()
		}
	})
}

func (m *Monitors) noIndex() {
	m.each(func(l Monitor) {
		if l.NoIndex != nil {
			l.NoIndex()
		}
	})
}

func (m *Monitors) notValidIndex() {
	m.each(func(l Monitor) {
		if l.NotValidIndex != nil {
			l.NotValidIndex()
		}
	})
}

func (m *Monitors) rebuilding() {
	m.each(func(l Monitor) {
		if l.Rebuilding != nil {
			l.Rebuilding()
		}
	})
}

func (m *Monitors) rebuilt(nodes int64) {
	m.each(func(l Monitor) {
		if l.Rebuilt != nil {
			l.Rebuilt(nodes)
		}
	})
}

func (m *Monitors) cleanupRegistered() {
	m.each(func(l Monitor) {
		if l.CleanupRegistered != nil {
			l.CleanupRegistered()
		}
	})
}

func (m *Monitors) cleanupStarted() {
	m.each(func(l Monitor) {
		if l.CleanupStarted != nil {
			l.CleanupStarted()
		}
	})
}

func (m *Monitors) cleanupFinished(entries int64, d time.Duration) {
	m.each(func(l Monitor) {
		if l.CleanupFinished != nil {
			l.CleanupFinished(entries, d)
		}
	})
}

func (m *Monitors) cleanupClosed() {
	m.each(func(l Monitor) {
		if l.CleanupClosed != nil {
			l.CleanupClosed()
		}
	})
}

func (m *Monitors) cleanupFailed(err error) {
	m.each(func(l Monitor) {
		if l.CleanupFailed != nil {
			l.CleanupFailed(err)
		}
	})
}

// LogMonitor returns a listener that prints lifecycle events via the stdlib
// logger, prefixed with the store's progress part name.
func LogMonitor(partName string) Monitor {
	return Monitor{
		NoIndex: func() {
			log.Printf("[labelscan] %s: no index found, a rebuild is required", partName)
		},
		NotValidIndex: func() {
			log.Printf("[labelscan] %s: index not valid, dropping and rebuilding", partName)
		},
		Rebuilding: func() {
			log.Printf("[labelscan] %s: rebuilding from store", partName)
		},
		Rebuilt: func(nodes int64) {
			log.Printf("[labelscan] %s: rebuilt from %d nodes", partName, nodes)
		},
		CleanupFailed: func(err error) {
			log.Printf("[labelscan] %s: recovery cleanup failed: %v", partName, err)
		},
	}
}
