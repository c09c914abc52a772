// Package monitor is the error-rate watchdog: it counts errors in fixed
// windows and notifies once when a window's count crosses the threshold.
package monitor

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellar/launchtube/store"
)

const (
	counterKey = "monitor:errors"
	alarmID    = "monitor:window"

	// DefaultThreshold errors within DefaultInterval trigger a notification.
	DefaultThreshold = 1000
	DefaultInterval  = 30 * time.Minute
)

// Notifier delivers the high-error-count alert. Delivery is external (email,
// pager); the watchdog only decides when to fire it.
type Notifier interface {
	Notify(count int, window time.Duration) error
}

// Config are the parameters for a Watchdog.
type Config struct {
	Store     store.Store
	Alarms    *store.Alarms
	Notifier  Notifier
	Threshold int
	Interval  time.Duration
	Logger    zerolog.Logger
}

// Watchdog counts errors per window. The window boundary is a persisted
// alarm, so counting continues across restarts.
type Watchdog struct {
	store     store.Store
	alarms    *store.Alarms
	notifier  Notifier
	threshold int
	interval  time.Duration
	logger    zerolog.Logger

	mu        sync.Mutex
	notifying bool
}

// NewWatchdog starts the watchdog, scheduling the first window reset if one
// is not already pending.
func NewWatchdog(c Config) (*Watchdog, error) {
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	w := &Watchdog{
		store:     c.Store,
		alarms:    c.Alarms,
		notifier:  c.Notifier,
		threshold: c.Threshold,
		interval:  c.Interval,
		logger:    c.Logger,
	}
	err := w.alarms.Restore(alarmID, w.reset)
	if err != nil {
		return nil, fmt.Errorf("restoring monitor window: %w", err)
	}
	_, pending, err := w.alarms.At(alarmID)
	if err != nil {
		return nil, err
	}
	if !pending {
		err = w.alarms.Schedule(alarmID, time.Now().Add(w.interval), w.reset)
		if err != nil {
			return nil, fmt.Errorf("scheduling monitor window: %w", err)
		}
	}
	return w, nil
}

// BumpErrorCount records one error. Crossing the threshold notifies once and
// starts a fresh window; a notification already in flight suppresses
// duplicates.
func (w *Watchdog) BumpErrorCount() {
	w.mu.Lock()
	defer w.mu.Unlock()
	count, err := w.count()
	if err != nil {
		w.logger.Error().Err(err).Msg("reading monitor error count")
		return
	}
	if count < w.threshold {
		err = w.store.Put(counterKey, []byte(strconv.Itoa(count+1)))
		if err != nil {
			w.logger.Error().Err(err).Msg("bumping monitor error count")
		}
		return
	}
	if w.notifying {
		return
	}
	w.notifying = true
	go func() {
		defer func() {
			w.mu.Lock()
			w.notifying = false
			w.mu.Unlock()
		}()
		err := w.notifier.Notify(count, w.interval)
		if err != nil {
			w.logger.Error().Err(err).Msg("sending monitor notification")
			return
		}
		w.reset(alarmID)
	}()
}

// reset zeroes the counter and schedules the next window.
func (w *Watchdog) reset(string) {
	err := w.store.Put(counterKey, []byte("0"))
	if err != nil {
		w.logger.Error().Err(err).Msg("resetting monitor error count")
	}
	err = w.alarms.Schedule(alarmID, time.Now().Add(w.interval), w.reset)
	if err != nil {
		w.logger.Error().Err(err).Msg("scheduling monitor window")
	}
}

func (w *Watchdog) count() (int, error) {
	v, ok, err := w.store.Get(counterKey)
	if err != nil || !ok {
		return 0, err
	}
	return strconv.Atoi(string(v))
}
