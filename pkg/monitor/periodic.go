package monitor

import (
	"time"

	"github.com/go-kit/log/level"
)

// DefaultPeriodicInterval is used when StartPeriodic is given a
// non-positive interval.
const DefaultPeriodicInterval = 5 * time.Second

// StartPeriodic launches the background loop that scans every protected
// region at the given interval. A loop that is already running is
// stopped first, so at most one loop is ever active; restarting with a
// different interval is always safe. Periodic passes notify per region
// only, without the aggregate summary ScanAll sends.
func (m *Monitor) StartPeriodic(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPeriodicInterval
	}

	m.pmu.Lock()
	defer m.pmu.Unlock()
	m.stopPeriodicLocked()

	quit := make(chan struct{})
	done := make(chan struct{})
	m.pquit, m.pdone = quit, done
	go m.periodicLoop(interval, quit, done)
	level.Info(m.logger).Log("msg", "periodic scanning started", "interval", interval)
}

// StopPeriodic signals the scan loop and waits for it to exit. After it
// returns no further scan will start. Calling it when no loop is running
// is a no-op; it must not be called from inside a tamper receiver.
func (m *Monitor) StopPeriodic() {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	m.stopPeriodicLocked()
}

func (m *Monitor) stopPeriodicLocked() {
	if m.pquit == nil {
		return
	}
	close(m.pquit)
	<-m.pdone
	m.pquit, m.pdone = nil, nil
	level.Info(m.logger).Log("msg", "periodic scanning stopped")
}

func (m *Monitor) periodicLoop(interval time.Duration, quit, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			m.periodicPass(quit)
		}
	}
}

// periodicPass scans a fresh snapshot of the protected list. Scan
// failures are logged and swallowed so one bad region never halts
// monitoring of the others.
func (m *Monitor) periodicPass(quit chan struct{}) {
	for _, id := range m.ListProtectedRegions() {
		select {
		case <-quit:
			return
		default:
		}
		rec, ok := m.lookup(id)
		if !ok {
			continue
		}
		if out := m.scanOne(id, rec); out.Err != nil {
			level.Warn(m.logger).Log("msg", "periodic scan failed", "region", id, "err", out.Err)
		}
	}
}
