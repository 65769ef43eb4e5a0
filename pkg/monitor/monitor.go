package monitor

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/bulwark-sdk/bulwark/pkg/digest"
	"github.com/bulwark-sdk/bulwark/pkg/notify"
	"github.com/bulwark-sdk/bulwark/pkg/region"
)

// record pairs a region's backing store with its baseline digest. Its
// mutex serializes all store I/O and baseline access so a scan never
// observes a half-updated record.
type record struct {
	bmu      sync.Mutex
	store    *region.Store
	baseline digest.Digest
}

// Options configures a Monitor.
type Options struct {
	// RegionSize is the size of anonymous buffers and degraded fallback
	// stores. Non-positive values select region.DefaultSize.
	RegionSize int
}

// Monitor owns the region registry and every backing store in it. All
// methods are safe for concurrent use. Stop methods join background
// goroutines and must not be called from inside a tamper receiver.
type Monitor struct {
	logger   log.Logger
	metrics  *Metrics
	notifier *notify.Notifier

	regionSize int
	monitoring atomic.Bool

	mu        sync.Mutex
	records   map[string]*record
	protected []string
	critical  []string

	pmu   sync.Mutex
	pquit chan struct{}
	pdone chan struct{}

	wmu     sync.Mutex
	watcher *fsnotify.Watcher
	wdone   chan struct{}
}

// New returns a stopped Monitor. Monitoring must be started before
// regions can be protected or scanned.
func New(opts Options, logger log.Logger, reg prometheus.Registerer) *Monitor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "component", "monitor")
	return &Monitor{
		logger:     logger,
		metrics:    NewMetrics(reg),
		notifier:   notify.New(logger),
		regionSize: opts.RegionSize,
		records:    make(map[string]*record),
	}
}

// StartMonitoring activates the engine. Starting an active engine is a
// no-op; both cases report success.
func (m *Monitor) StartMonitoring() bool {
	if !m.monitoring.CompareAndSwap(false, true) {
		return true
	}
	level.Info(m.logger).Log("msg", "monitoring started")
	return true
}

// StopMonitoring deactivates the engine, stops the periodic and watch
// drivers, and releases every protected store exactly once. Critical
// region flags survive a stop. Calling it on a stopped engine is a
// no-op.
func (m *Monitor) StopMonitoring() {
	if !m.monitoring.CompareAndSwap(true, false) {
		return
	}
	m.StopWatch()
	m.StopPeriodic()

	m.mu.Lock()
	records := m.records
	m.records = make(map[string]*record)
	released := len(m.protected)
	m.protected = nil
	m.mu.Unlock()

	for _, rec := range records {
		rec.bmu.Lock()
		rec.store.Release()
		rec.bmu.Unlock()
	}
	m.metrics.protectedRegions.Set(0)
	m.metrics.degradedRegions.Set(0)
	level.Info(m.logger).Log("msg", "monitoring stopped", "released", released)
}

// IsMonitoring reports whether the engine is active.
func (m *Monitor) IsMonitoring() bool {
	return m.monitoring.Load()
}

// Close stops all background drivers and the engine itself.
func (m *Monitor) Close() {
	m.StopWatch()
	m.StopPeriodic()
	m.StopMonitoring()
}

// AddCriticalRegion flags id as a region that should be protected.
// Duplicate adds are no-ops. The flag is independent of whether
// protection ever succeeds.
func (m *Monitor) AddCriticalRegion(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.critical {
		if c == id {
			return
		}
	}
	m.critical = append(m.critical, id)
	level.Info(m.logger).Log("msg", "added critical region", "region", id)
}

// RemoveCriticalRegion drops the critical flag for id if present.
func (m *Monitor) RemoveCriticalRegion(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.critical {
		if c == id {
			m.critical = append(m.critical[:i], m.critical[i+1:]...)
			level.Info(m.logger).Log("msg", "removed critical region", "region", id)
			return
		}
	}
}

// ListCriticalRegions returns a snapshot of the critical set in
// insertion order.
func (m *Monitor) ListCriticalRegions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.critical))
	copy(out, m.critical)
	return out
}

// ListProtectedRegions returns a snapshot of protected region ids in
// protection order.
func (m *Monitor) ListProtectedRegions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.protected))
	copy(out, m.protected)
	return out
}

// Protect acquires a backing store for id, computes its baseline digest,
// and inserts it into the registry. Protecting an already-protected
// region reports success without touching it. Acquisition failures leave
// no partial record behind and report false, as does a StopMonitoring
// that completes while the store is being acquired.
func (m *Monitor) Protect(id string) bool {
	if !m.monitoring.Load() {
		level.Error(m.logger).Log("msg", "cannot protect region, monitoring not active", "region", id)
		return false
	}

	m.mu.Lock()
	_, exists := m.records[id]
	m.mu.Unlock()
	if exists {
		level.Debug(m.logger).Log("msg", "region already protected", "region", id)
		return true
	}

	store, content, err := region.Acquire(id, m.regionSize)
	if err != nil {
		level.Error(m.logger).Log("msg", "failed to protect region", "region", id, "err", err)
		return false
	}
	rec := &record{store: store, baseline: digest.Sum(content)}

	m.mu.Lock()
	if !m.monitoring.Load() {
		// StopMonitoring swapped and released the registry while the
		// store was being acquired; inserting now would leak it into
		// the fresh map.
		m.mu.Unlock()
		store.Release()
		level.Error(m.logger).Log("msg", "cannot protect region, monitoring stopped during acquisition", "region", id)
		return false
	}
	if _, exists := m.records[id]; exists {
		// Lost a race with a concurrent Protect for the same id.
		m.mu.Unlock()
		store.Release()
		return true
	}
	m.records[id] = rec
	m.protected = append(m.protected, id)
	m.mu.Unlock()

	m.metrics.protectedRegions.Inc()
	if store.Degraded() {
		m.metrics.degradedRegions.Inc()
	}
	m.watchAdd(id, store)
	level.Info(m.logger).Log("msg", "protected region", "region", id,
		"kind", store.Kind(), "size", store.Size(), "degraded", store.Degraded())
	return true
}

// Unprotect removes id from the registry and releases its store. It
// reports false when the engine is stopped or the region is unknown.
func (m *Monitor) Unprotect(id string) bool {
	if !m.monitoring.Load() {
		level.Error(m.logger).Log("msg", "cannot unprotect region, monitoring not active", "region", id)
		return false
	}

	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		level.Error(m.logger).Log("msg", "cannot unprotect region, not found", "region", id)
		return false
	}
	delete(m.records, id)
	for i, p := range m.protected {
		if p == id {
			m.protected = append(m.protected[:i], m.protected[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	rec.bmu.Lock()
	degraded := rec.store.Degraded()
	rec.store.Release()
	rec.bmu.Unlock()

	m.metrics.protectedRegions.Dec()
	if degraded {
		m.metrics.degradedRegions.Dec()
	}
	m.watchRemove(id)
	level.Info(m.logger).Log("msg", "unprotected region", "region", id)
	return true
}

// ProtectCriticalRegions attempts to protect every region in the
// critical set and returns how many are protected afterwards. Regions
// that fail stay critical and can be retried.
func (m *Monitor) ProtectCriticalRegions() int {
	n := 0
	for _, id := range m.ListCriticalRegions() {
		if m.Protect(id) {
			n++
		}
	}
	return n
}

// RegionInfo is a point-in-time description of a protected region.
type RegionInfo struct {
	ID       string
	Kind     region.Kind
	Size     int
	Degraded bool
}

// Info describes the protected region id.
func (m *Monitor) Info(id string) (RegionInfo, error) {
	if !m.monitoring.Load() {
		return RegionInfo{}, ErrMonitoringInactive
	}
	rec, ok := m.lookup(id)
	if !ok {
		return RegionInfo{}, ErrRegionNotFound
	}
	rec.bmu.Lock()
	defer rec.bmu.Unlock()
	return RegionInfo{
		ID:       id,
		Kind:     rec.store.Kind(),
		Size:     rec.store.Size(),
		Degraded: rec.store.Degraded(),
	}, nil
}

// ReadRegion returns a copy of the region's current content.
func (m *Monitor) ReadRegion(id string) ([]byte, error) {
	if !m.monitoring.Load() {
		return nil, ErrMonitoringInactive
	}
	rec, ok := m.lookup(id)
	if !ok {
		return nil, ErrRegionNotFound
	}
	rec.bmu.Lock()
	defer rec.bmu.Unlock()
	content, _, err := rec.store.Reacquire()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

// WriteRegion overwrites the start of an anonymous region with data and
// accepts the result as the new baseline. File-backed regions are
// read-only to the engine and refuse writes.
func (m *Monitor) WriteRegion(id string, data []byte) error {
	if !m.monitoring.Load() {
		return ErrMonitoringInactive
	}
	rec, ok := m.lookup(id)
	if !ok {
		return ErrRegionNotFound
	}
	rec.bmu.Lock()
	defer rec.bmu.Unlock()
	if rec.store.Kind() != region.KindAnonymous {
		return fmt.Errorf("monitor: region %s: %s store is read-only", id, rec.store.Kind())
	}
	if err := rec.store.Overwrite(data); err != nil {
		return err
	}
	content, _, err := rec.store.Reacquire()
	if err != nil {
		return err
	}
	rec.baseline = digest.Sum(content)
	return nil
}

// SetTamperCallback replaces the engine's single callback slot. Passing
// nil clears it.
func (m *Monitor) SetTamperCallback(cb notify.Callback) {
	m.notifier.SetCallback(cb)
}

// AddTamperListener registers an additional tamper receiver and returns
// a handle for RemoveTamperListener.
func (m *Monitor) AddTamperListener(cb notify.Callback) int {
	return m.notifier.AddListener(cb)
}

// RemoveTamperListener drops the receiver registered under handle.
func (m *Monitor) RemoveTamperListener(handle int) {
	m.notifier.RemoveListener(handle)
}

func (m *Monitor) lookup(id string) (*record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok
}
