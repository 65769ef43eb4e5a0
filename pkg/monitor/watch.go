package monitor

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log/level"

	"github.com/bulwark-sdk/bulwark/pkg/region"
)

// watchOps are the filesystem events that trigger an immediate scan of
// the affected region.
const watchOps = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename | fsnotify.Chmod

// StartWatch begins event-driven scanning: filesystem changes to a
// protected file-backed region trigger an immediate scan of it instead
// of waiting for the next periodic pass. Regions protected after the
// watcher starts are added to it automatically. Starting an active
// watcher is a no-op.
func (m *Monitor) StartWatch() error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if m.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("monitor: start watch: %w", err)
	}
	for _, id := range m.fileRegions() {
		if err := w.Add(id); err != nil {
			level.Warn(m.logger).Log("msg", "cannot watch region", "region", id, "err", err)
		}
	}

	done := make(chan struct{})
	m.watcher, m.wdone = w, done
	go m.watchLoop(w, done)
	level.Info(m.logger).Log("msg", "file watch started")
	return nil
}

// StopWatch closes the watcher and waits for its loop to exit. Calling
// it when no watcher is running is a no-op; it must not be called from
// inside a tamper receiver.
func (m *Monitor) StopWatch() {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if m.watcher == nil {
		return
	}
	_ = m.watcher.Close()
	<-m.wdone
	m.watcher, m.wdone = nil, nil
	level.Info(m.logger).Log("msg", "file watch stopped")
}

func (m *Monitor) watchLoop(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&watchOps == 0 {
				continue
			}
			rec, found := m.lookup(ev.Name)
			if !found {
				continue
			}
			level.Debug(m.logger).Log("msg", "filesystem event on protected region", "region", ev.Name, "op", ev.Op)
			m.scanOne(ev.Name, rec)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			level.Warn(m.logger).Log("msg", "file watch error", "err", err)
		}
	}
}

// watchAdd registers a newly protected region with an active watcher.
// Memory-backed stores, including degraded fallbacks, have no path to
// watch.
func (m *Monitor) watchAdd(id string, s *region.Store) {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if m.watcher == nil || s.Kind() == region.KindAnonymous {
		return
	}
	if err := m.watcher.Add(id); err != nil {
		level.Warn(m.logger).Log("msg", "cannot watch region", "region", id, "err", err)
	}
}

func (m *Monitor) watchRemove(id string) {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if m.watcher == nil {
		return
	}
	_ = m.watcher.Remove(id)
}

// fileRegions snapshots the protected ids that are backed by a real
// file on disk.
func (m *Monitor) fileRegions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, id := range m.protected {
		rec := m.records[id]
		if rec == nil {
			continue
		}
		if k := rec.store.Kind(); k == region.KindMapped || k == region.KindDynamic {
			out = append(out, id)
		}
	}
	return out
}
