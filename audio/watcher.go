package audio

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrsingh-rishi/livetranslate/model"
)

// Watcher polls a Driver and reports hot-plug changes in the device set.
type Watcher struct {
	driver   Driver
	interval time.Duration
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewWatcher creates a stopped watcher.
func NewWatcher(driver Driver, interval time.Duration, logger *zap.SugaredLogger) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Watcher{
		driver:   driver,
		interval: interval,
		logger:   logger,
	}
}

// Start snapshots the current devices and calls onChange with the new list
// each time the set of device ids differs from the previous poll.
func (w *Watcher) Start(onChange func([]model.AudioDevice)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}

	last := ""
	if devices, err := w.driver.Devices(); err == nil {
		last = fingerprint(devices)
	} else {
		w.logger.Warnw("initial device enumeration failed", "error", err)
	}

	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.running = true

	go w.loop(last, onChange, w.stop, w.done)
}

// Stop ends polling and waits for the poller to exit. Safe to call repeatedly.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stop, done := w.stop, w.done
	w.mu.Unlock()

	close(stop)
	<-done
}

// Running reports whether the poller is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) loop(last string, onChange func([]model.AudioDevice), stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			devices, err := w.driver.Devices()
			if err != nil {
				w.logger.Warnw("device enumeration failed", "error", err)
				continue
			}
			current := fingerprint(devices)
			if current == last {
				continue
			}
			last = current
			w.logger.Infow("audio inputs changed", "devices", len(devices))
			onChange(devices)
		}
	}
}

func fingerprint(devices []model.AudioDevice) string {
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	sort.Strings(ids)
	return strings.Join(ids, "\x00")
}
