package monitor

import (
	"bytes"
	"errors"
	mrand "math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"

	"github.com/bulwark-sdk/bulwark/pkg/region"
)

// newActive returns a started monitor that is torn down with the test.
func newActive(t *testing.T) *Monitor {
	t.Helper()
	m := New(Options{}, log.NewNopLogger(), nil)
	if !m.StartMonitoring() {
		t.Fatal("StartMonitoring() = false, want true")
	}
	t.Cleanup(m.Close)
	return m
}

// dynamicDir registers a temp directory as a dynamic path prefix so
// dynamic-region behavior can be driven from files the test controls.
func dynamicDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old := region.DynamicPrefixes
	region.DynamicPrefixes = append([]string{dir + "/"}, old...)
	t.Cleanup(func() { region.DynamicPrefixes = old })
	return dir
}

// writeTempFile creates a file with the given content and returns its path.
func writeTempFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// tamperEvent is one recorded notification.
type tamperEvent struct {
	region  string
	details string
}

// eventRecorder collects tamper notifications across goroutines.
type eventRecorder struct {
	mu     sync.Mutex
	events []tamperEvent
}

func (r *eventRecorder) callback(region, details string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, tamperEvent{region: region, details: details})
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *eventRecorder) snapshot() []tamperEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]tamperEvent, len(r.events))
	copy(out, r.events)
	return out
}

// waitFor blocks until at least n events arrived or the deadline passes.
func (r *eventRecorder) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d notifications, got %d", n, r.count())
}

func TestMonitoringLifecycle(t *testing.T) {
	m := New(Options{}, log.NewNopLogger(), nil)

	if m.IsMonitoring() {
		t.Fatal("IsMonitoring() = true before start")
	}
	if !m.StartMonitoring() {
		t.Fatal("StartMonitoring() = false, want true")
	}
	if !m.IsMonitoring() {
		t.Fatal("IsMonitoring() = false after start")
	}
	if !m.StartMonitoring() {
		t.Error("second StartMonitoring() = false, want true")
	}

	m.StopMonitoring()
	if m.IsMonitoring() {
		t.Fatal("IsMonitoring() = true after stop")
	}
	m.StopMonitoring() // no-op
}

func TestInactiveEngineRefusesOperations(t *testing.T) {
	m := New(Options{}, log.NewNopLogger(), nil)

	if m.Protect("block") {
		t.Error("Protect succeeded on inactive engine")
	}
	if m.Unprotect("block") {
		t.Error("Unprotect succeeded on inactive engine")
	}
	if out := m.Scan("block"); !errors.Is(out.Err, ErrMonitoringInactive) {
		t.Errorf("Scan error = %v, want ErrMonitoringInactive", out.Err)
	}
	if m.ScanAll() {
		t.Error("ScanAll() = true on inactive engine")
	}
	if m.SimulateTampering("block") {
		t.Error("SimulateTampering succeeded on inactive engine")
	}
	if m.Compare("a", "b") {
		t.Error("Compare succeeded on inactive engine")
	}
	if _, err := m.ReadRegion("block"); !errors.Is(err, ErrMonitoringInactive) {
		t.Errorf("ReadRegion error = %v, want ErrMonitoringInactive", err)
	}
}

func TestCriticalRegions(t *testing.T) {
	m := newActive(t)

	m.AddCriticalRegion("/etc/hosts")
	m.AddCriticalRegion("token_block")
	m.AddCriticalRegion("/etc/hosts") // duplicate is a no-op

	got := m.ListCriticalRegions()
	want := []string{"/etc/hosts", "token_block"}
	if len(got) != len(want) {
		t.Fatalf("ListCriticalRegions() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("critical[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	t.Run("snapshot is a copy", func(t *testing.T) {
		snap := m.ListCriticalRegions()
		snap[0] = "mutated"
		if m.ListCriticalRegions()[0] != "/etc/hosts" {
			t.Error("mutating the returned slice changed the registry")
		}
	})

	t.Run("remove", func(t *testing.T) {
		m.RemoveCriticalRegion("/etc/hosts")
		m.RemoveCriticalRegion("never-added") // no-op
		got := m.ListCriticalRegions()
		if len(got) != 1 || got[0] != "token_block" {
			t.Errorf("ListCriticalRegions() = %v, want [token_block]", got)
		}
	})

	t.Run("flags survive a monitoring stop", func(t *testing.T) {
		m.StopMonitoring()
		got := m.ListCriticalRegions()
		if len(got) != 1 || got[0] != "token_block" {
			t.Errorf("ListCriticalRegions() after stop = %v, want [token_block]", got)
		}
	})
}

func TestProtectLifecycle(t *testing.T) {
	m := newActive(t)

	if !m.Protect("session_keys") {
		t.Fatal("Protect() = false, want true")
	}
	if got := m.ListProtectedRegions(); len(got) != 1 || got[0] != "session_keys" {
		t.Fatalf("ListProtectedRegions() = %v, want [session_keys]", got)
	}

	t.Run("reprotect is a no-op success", func(t *testing.T) {
		if !m.Protect("session_keys") {
			t.Error("second Protect() = false, want true")
		}
		if got := m.ListProtectedRegions(); len(got) != 1 {
			t.Errorf("ListProtectedRegions() = %v, want a single entry", got)
		}
	})

	t.Run("unprotect removes the record", func(t *testing.T) {
		if !m.Unprotect("session_keys") {
			t.Fatal("Unprotect() = false, want true")
		}
		if got := m.ListProtectedRegions(); len(got) != 0 {
			t.Errorf("ListProtectedRegions() = %v, want empty", got)
		}
		if out := m.Scan("session_keys"); !errors.Is(out.Err, ErrRegionNotFound) {
			t.Errorf("Scan error = %v, want ErrRegionNotFound", out.Err)
		}
		if m.Unprotect("session_keys") {
			t.Error("second Unprotect() = true, want false")
		}
	})
}

func TestProtectFailureLeavesNoRecord(t *testing.T) {
	m := newActive(t)

	id := filepath.Join(t.TempDir(), "missing.bin")
	if m.Protect(id) {
		t.Fatal("Protect() = true for a missing file, want false")
	}
	if got := m.ListProtectedRegions(); len(got) != 0 {
		t.Errorf("ListProtectedRegions() = %v, want empty", got)
	}
	if out := m.Scan(id); !errors.Is(out.Err, ErrRegionNotFound) {
		t.Errorf("Scan error = %v, want ErrRegionNotFound", out.Err)
	}
}

func TestProtectionOrderPreserved(t *testing.T) {
	m := newActive(t)

	for _, id := range []string{"gamma", "alpha", "beta"} {
		if !m.Protect(id) {
			t.Fatalf("Protect(%q) = false", id)
		}
	}
	got := m.ListProtectedRegions()
	want := []string{"gamma", "alpha", "beta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ListProtectedRegions() = %v, want %v", got, want)
		}
	}
}

func TestProtectCriticalRegions(t *testing.T) {
	m := newActive(t)

	m.AddCriticalRegion("buffer_a")
	m.AddCriticalRegion("buffer_b")
	m.AddCriticalRegion(filepath.Join(t.TempDir(), "absent.bin"))

	if got := m.ProtectCriticalRegions(); got != 2 {
		t.Errorf("ProtectCriticalRegions() = %d, want 2", got)
	}
	if got := m.ListProtectedRegions(); len(got) != 2 {
		t.Errorf("ListProtectedRegions() = %v, want 2 entries", got)
	}
	if got := m.ListCriticalRegions(); len(got) != 3 {
		t.Errorf("ListCriticalRegions() = %v, want all 3 to stay flagged", got)
	}
}

func TestDegradedRegionProtection(t *testing.T) {
	m := newActive(t)

	// A pseudo path that cannot be opened still protects, on a fallback
	// store.
	id := "/proc/bulwark-missing-entry"
	if !m.Protect(id) {
		t.Fatal("Protect() = false for a pseudo path, want degraded success")
	}

	info, err := m.Info(id)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if !info.Degraded {
		t.Error("Info.Degraded = false, want true")
	}
	if info.Kind != region.KindAnonymous {
		t.Errorf("Info.Kind = %v, want %v", info.Kind, region.KindAnonymous)
	}

	if out := m.Scan(id); !out.Intact() {
		t.Errorf("Scan status = %v, want intact", out.Status)
	}
}

func TestReadWriteRegion(t *testing.T) {
	m := newActive(t)
	if !m.Protect("workspace") {
		t.Fatal("Protect() = false")
	}

	t.Run("write then read back", func(t *testing.T) {
		payload := []byte("rotated credentials")
		if err := m.WriteRegion("workspace", payload); err != nil {
			t.Fatalf("WriteRegion: %v", err)
		}
		got, err := m.ReadRegion("workspace")
		if err != nil {
			t.Fatalf("ReadRegion: %v", err)
		}
		if !bytes.Equal(got[:len(payload)], payload) {
			t.Errorf("region prefix = %q, want %q", got[:len(payload)], payload)
		}
	})

	t.Run("write rebases the baseline", func(t *testing.T) {
		if out := m.Scan("workspace"); !out.Intact() {
			t.Errorf("Scan after write = %v, want intact", out.Status)
		}
	})

	t.Run("oversized write refused", func(t *testing.T) {
		big := make([]byte, region.DefaultSize+1)
		if err := m.WriteRegion("workspace", big); err == nil {
			t.Error("WriteRegion accepted oversized data")
		}
	})

	t.Run("file-backed regions are read-only", func(t *testing.T) {
		path := writeTempFile(t, t.TempDir(), "ro.bin", []byte("fixed"))
		if !m.Protect(path) {
			t.Fatal("Protect() = false")
		}
		if err := m.WriteRegion(path, []byte("x")); err == nil {
			t.Error("WriteRegion succeeded on a mapped region")
		}
	})

	t.Run("unknown region", func(t *testing.T) {
		if _, err := m.ReadRegion("ghost"); !errors.Is(err, ErrRegionNotFound) {
			t.Errorf("ReadRegion error = %v, want ErrRegionNotFound", err)
		}
		if err := m.WriteRegion("ghost", []byte("x")); !errors.Is(err, ErrRegionNotFound) {
			t.Errorf("WriteRegion error = %v, want ErrRegionNotFound", err)
		}
	})
}

func TestTamperListeners(t *testing.T) {
	m := newActive(t)
	if !m.Protect("fanout_block") {
		t.Fatal("Protect() = false")
	}

	cb := &eventRecorder{}
	first := &eventRecorder{}
	second := &eventRecorder{}
	m.SetTamperCallback(cb.callback)
	handle := m.AddTamperListener(first.callback)
	m.AddTamperListener(second.callback)

	if !m.SimulateTampering("fanout_block") {
		t.Fatal("SimulateTampering() = false")
	}
	if out := m.Scan("fanout_block"); out.Status != StatusTampered {
		t.Fatalf("scan status = %v, want %v", out.Status, StatusTampered)
	}

	for name, rec := range map[string]*eventRecorder{"callback": cb, "first listener": first, "second listener": second} {
		if got := rec.count(); got != 1 {
			t.Errorf("%s received %d notifications, want 1", name, got)
		}
	}

	t.Run("removed listener stays quiet", func(t *testing.T) {
		m.RemoveTamperListener(handle)
		// The anonymous region is still tampered, so another scan
		// re-alerts everyone left.
		if out := m.Scan("fanout_block"); out.Status != StatusTampered {
			t.Fatalf("scan status = %v, want %v", out.Status, StatusTampered)
		}
		if got := first.count(); got != 1 {
			t.Errorf("removed listener received %d notifications, want 1", got)
		}
		if got := second.count(); got != 2 {
			t.Errorf("remaining listener received %d notifications, want 2", got)
		}
	})
}

func TestStopMonitoringReleasesRegions(t *testing.T) {
	m := newActive(t)

	path := writeTempFile(t, t.TempDir(), "conf.bin", []byte("cfg-content"))
	for _, id := range []string{"mem_a", "mem_b", path} {
		if !m.Protect(id) {
			t.Fatalf("Protect(%q) = false", id)
		}
	}

	m.StopMonitoring()

	if got := m.ListProtectedRegions(); len(got) != 0 {
		t.Errorf("ListProtectedRegions() after stop = %v, want empty", got)
	}
	if m.Protect("mem_a") {
		t.Error("Protect succeeded after stop")
	}

	t.Run("restart gives a clean registry", func(t *testing.T) {
		if !m.StartMonitoring() {
			t.Fatal("restart failed")
		}
		if got := m.ListProtectedRegions(); len(got) != 0 {
			t.Errorf("ListProtectedRegions() after restart = %v, want empty", got)
		}
		if !m.Protect("mem_a") {
			t.Error("Protect failed after restart")
		}
	})
}

func TestProtectRacingStopLeavesNoRecord(t *testing.T) {
	m := New(Options{}, log.NewNopLogger(), nil)
	t.Cleanup(m.Close)

	// A large mapped file keeps Protect inside its acquire-and-digest
	// window long enough for a stop to land between the gate check and
	// the registry insert.
	path := writeTempFile(t, t.TempDir(), "large.bin", bytes.Repeat([]byte{0xA5}, 8<<20))

	for i := 0; i < 25; i++ {
		if !m.StartMonitoring() {
			t.Fatal("StartMonitoring() = false, want true")
		}
		done := make(chan bool, 1)
		go func() { done <- m.Protect(path) }()
		time.Sleep(time.Duration(i%10) * 200 * time.Microsecond)
		m.StopMonitoring()
		accepted := <-done

		// Whichever side won, a stopped engine must end with an empty
		// registry: a Protect that inserted first had its store released
		// by the stop, and one that lost the race must report false.
		if got := m.ListProtectedRegions(); len(got) != 0 {
			t.Fatalf("iteration %d: stopped engine still lists %v (Protect = %v)", i, got, accepted)
		}
		m.mu.Lock()
		leftover := len(m.records)
		m.mu.Unlock()
		if leftover != 0 {
			t.Fatalf("iteration %d: %d records remain after stop (Protect = %v)", i, leftover, accepted)
		}
	}
}

func TestConcurrentRegistryAccess(t *testing.T) {
	m := newActive(t)
	m.StartPeriodic(time.Millisecond)

	ids := []string{"w0", "w1", "w2", "w3"}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := mrand.New(mrand.NewSource(seed))
			for i := 0; i < 50; i++ {
				id := ids[rng.Intn(len(ids))]
				switch rng.Intn(3) {
				case 0:
					m.Protect(id)
				case 1:
					m.Unprotect(id)
				default:
					m.Scan(id)
				}
			}
		}(int64(g))
	}
	wg.Wait()
	m.StopPeriodic()

	// The protected list and the record table must agree exactly, with
	// no duplicated or orphaned entries.
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.protected) != len(m.records) {
		t.Fatalf("protected list has %d entries, record table has %d", len(m.protected), len(m.records))
	}
	seen := make(map[string]bool)
	for _, id := range m.protected {
		if seen[id] {
			t.Fatalf("duplicate protected entry %q", id)
		}
		seen[id] = true
		if _, ok := m.records[id]; !ok {
			t.Fatalf("protected entry %q has no record", id)
		}
	}
}
