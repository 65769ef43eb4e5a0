package monitor

import (
	"os"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func appendToFile(t *testing.T, path string, data []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
}

func TestWatchTriggersImmediateScan(t *testing.T) {
	m := newActive(t)
	rec := &eventRecorder{}
	m.SetTamperCallback(rec.callback)

	path := writeTempFile(t, t.TempDir(), "watched.bin", []byte("baseline content"))
	if !m.Protect(path) {
		t.Fatal("Protect() = false")
	}
	if err := m.StartWatch(); err != nil {
		t.Fatalf("StartWatch: %v", err)
	}
	defer m.StopWatch()

	appendToFile(t, path, []byte("!"))

	// The write event drives a scan without any periodic driver running.
	rec.waitFor(t, 1)
	if ev := rec.snapshot()[0]; ev.region != path {
		t.Errorf("notified region = %q, want %q", ev.region, path)
	}
}

func TestWatchPicksUpLaterProtections(t *testing.T) {
	m := newActive(t)
	rec := &eventRecorder{}
	m.SetTamperCallback(rec.callback)

	if err := m.StartWatch(); err != nil {
		t.Fatalf("StartWatch: %v", err)
	}
	defer m.StopWatch()

	path := writeTempFile(t, t.TempDir(), "late.bin", []byte("added after watch start"))
	if !m.Protect(path) {
		t.Fatal("Protect() = false")
	}

	appendToFile(t, path, []byte("!"))
	rec.waitFor(t, 1)
}

func TestUnprotectStopsWatching(t *testing.T) {
	m := newActive(t)
	rec := &eventRecorder{}
	m.SetTamperCallback(rec.callback)

	path := writeTempFile(t, t.TempDir(), "dropped.bin", []byte("content"))
	if !m.Protect(path) {
		t.Fatal("Protect() = false")
	}
	if err := m.StartWatch(); err != nil {
		t.Fatalf("StartWatch: %v", err)
	}
	defer m.StopWatch()

	if !m.Unprotect(path) {
		t.Fatal("Unprotect() = false")
	}

	appendToFile(t, path, []byte("!"))
	time.Sleep(200 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Errorf("notifications = %d after unprotect, want 0", got)
	}
}

func TestWatchLifecycle(t *testing.T) {
	m := newActive(t)

	if err := m.StartWatch(); err != nil {
		t.Fatalf("StartWatch: %v", err)
	}
	if err := m.StartWatch(); err != nil {
		t.Errorf("second StartWatch: %v, want no-op success", err)
	}

	m.StopWatch()
	m.StopWatch() // no-op

	m.wmu.Lock()
	defer m.wmu.Unlock()
	if m.watcher != nil || m.wdone != nil {
		t.Error("watch state not cleared after stop")
	}
}

func TestWatchOpsTriggerRescan(t *testing.T) {
	for _, op := range []fsnotify.Op{
		fsnotify.Write,
		fsnotify.Create,
		fsnotify.Remove,
		fsnotify.Rename,
		fsnotify.Chmod,
	} {
		if watchOps&op == 0 {
			t.Errorf("op %v does not trigger a rescan", op)
		}
	}
}
