package store

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const alarmPrefix = "alarm:"

// AlarmFunc is invoked when a scheduled alarm fires. It runs on its own
// goroutine.
type AlarmFunc func(id string)

// Alarms schedules one-shot wakeups for actors. Wake times are persisted so
// alarms survive restarts; Restore re-arms them (firing immediately when the
// wake time has already passed).
type Alarms struct {
	store Store

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewAlarms(s Store) *Alarms {
	return &Alarms{store: s, timers: map[string]*time.Timer{}}
}

// Schedule arms an alarm for id at the given time, replacing any existing
// alarm for the same id.
func (a *Alarms) Schedule(id string, at time.Time, fn AlarmFunc) error {
	err := a.store.Put(alarmPrefix+id, []byte(strconv.FormatInt(at.UnixMilli(), 10)))
	if err != nil {
		return fmt.Errorf("persisting alarm for %s: %w", id, err)
	}
	a.arm(id, at, fn)
	return nil
}

// Cancel disarms and forgets the alarm for id. Canceling an alarm that does
// not exist is a no-op.
func (a *Alarms) Cancel(id string) error {
	a.mu.Lock()
	if t, ok := a.timers[id]; ok {
		t.Stop()
		delete(a.timers, id)
	}
	a.mu.Unlock()
	if err := a.store.Delete(alarmPrefix + id); err != nil {
		return fmt.Errorf("deleting alarm for %s: %w", id, err)
	}
	return nil
}

// At reports the wake time of the pending alarm for id, if one exists.
func (a *Alarms) At(id string) (time.Time, bool, error) {
	v, ok, err := a.store.Get(alarmPrefix + id)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading alarm for %s: %w", id, err)
	}
	if !ok {
		return time.Time{}, false, nil
	}
	ms, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing alarm time for %s: %w", id, err)
	}
	return time.UnixMilli(ms), true, nil
}

// Restore re-arms all persisted alarms whose ids start with idPrefix.
// Alarms whose wake time is in the past fire immediately.
func (a *Alarms) Restore(idPrefix string, fn AlarmFunc) error {
	items, err := a.store.List(alarmPrefix+idPrefix, 0)
	if err != nil {
		return fmt.Errorf("listing alarms: %w", err)
	}
	for _, item := range items {
		id := strings.TrimPrefix(item.Key, alarmPrefix)
		ms, err := strconv.ParseInt(string(item.Value), 10, 64)
		if err != nil {
			return fmt.Errorf("parsing alarm time for %s: %w", id, err)
		}
		a.arm(id, time.UnixMilli(ms), fn)
	}
	return nil
}

func (a *Alarms) arm(id string, at time.Time, fn AlarmFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[id]; ok {
		t.Stop()
	}
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	a.timers[id] = time.AfterFunc(d, func() {
		a.mu.Lock()
		delete(a.timers, id)
		a.mu.Unlock()
		// The persisted record is cleared before the callback so a
		// callback that reschedules wins over the stale entry.
		_ = a.store.Delete(alarmPrefix + id)
		fn(id)
	})
}
