// Package region manages the backing storage of monitored regions: the
// engine-owned anonymous buffers, read-only file mappings, and re-read
// pseudo-files that the scanner verifies against their baselines.
//
// The kind of a region is resolved from its identifier exactly once, at
// acquisition time. All later operations dispatch on the stored kind and
// never re-derive it from the path.
package region

import (
	crand "crypto/rand"
	"errors"
	"fmt"
	"io"
	mrand "math/rand"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultSize is the anonymous buffer size used when the caller does
	// not override it.
	DefaultSize = 4096

	// readWindow bounds how much of a dynamic file or size-0 pseudo-file
	// is read per acquisition.
	readWindow = 4096

	// PseudoPrefix marks paths on pseudo-filesystems. Their stat size is
	// often 0 and mappings may be refused, so acquisition uses a default
	// read window and degrades to an anonymous buffer instead of failing.
	PseudoPrefix = "/proc/"
)

// DynamicPrefixes lists path prefixes whose content legitimately
// fluctuates. Regions under them are re-read fresh on every acquisition
// instead of being mapped once, and their digest changes are subject to
// the scanner's drift tolerance.
var DynamicPrefixes = []string{"/proc/self/"}

// Failure classes for store operations. Each instance wraps the
// underlying OS error text.
var (
	ErrOpenFailed       = errors.New("region: open failed")
	ErrStatFailed       = errors.New("region: stat failed")
	ErrMapFailed        = errors.New("region: map failed")
	ErrAllocationFailed = errors.New("region: allocation failed")
)

// Kind identifies how a region's content is backed.
type Kind int

const (
	// KindAnonymous is engine-allocated memory filled with random bytes,
	// kept read-only between accesses.
	KindAnonymous Kind = iota
	// KindMapped is a read-only private mapping of a regular file.
	KindMapped
	// KindDynamic is a file re-read fresh on every acquisition; no
	// mapping is held.
	KindDynamic
)

func (k Kind) String() string {
	switch k {
	case KindAnonymous:
		return "anonymous"
	case KindMapped:
		return "mapped"
	case KindDynamic:
		return "dynamic"
	}
	return "unknown"
}

// Classify resolves the backing-store kind for a region identifier.
// Identifiers that are not absolute paths get an anonymous buffer, paths
// under a dynamic prefix are re-read on every acquisition, and any other
// path is mapped once.
func Classify(id string) Kind {
	if !strings.HasPrefix(id, "/") {
		return KindAnonymous
	}
	for _, p := range DynamicPrefixes {
		if strings.HasPrefix(id, p) {
			return KindDynamic
		}
	}
	return KindMapped
}

// Store owns the backing storage of one region. The registry entry is the
// sole owner; concurrent access is serialized by the caller.
type Store struct {
	kind     Kind
	path     string
	size     int // baseline size; last observed size for dynamic stores
	data     []byte
	degraded bool
	released bool
}

// Kind returns the backing-store kind resolved at acquisition.
func (s *Store) Kind() Kind { return s.kind }

// Path returns the region identifier the store was acquired for.
func (s *Store) Path() string { return s.path }

// Size returns the baseline content size in bytes.
func (s *Store) Size() int { return s.size }

// Degraded reports whether a mapped acquisition fell back to an anonymous
// buffer because the pseudo-file could not be opened or mapped.
func (s *Store) Degraded() bool { return s.degraded }

// Acquire resolves the kind of id and acquires its baseline content.
// size applies to anonymous buffers (and degraded fallbacks); non-positive
// values select DefaultSize. The returned bytes are the baseline content
// the caller should digest.
func Acquire(id string, size int) (*Store, []byte, error) {
	switch Classify(id) {
	case KindDynamic:
		return acquireDynamic(id)
	case KindMapped:
		return acquireMapped(id, size)
	default:
		return acquireAnonymous(id, size, false)
	}
}

func acquireAnonymous(id string, size int, degraded bool) (*Store, []byte, error) {
	if size <= 0 {
		size = DefaultSize
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrAllocationFailed, size, err)
	}
	fillRandom(data)
	if err := unix.Mprotect(data, unix.PROT_READ); err != nil {
		_ = unix.Munmap(data)
		return nil, nil, fmt.Errorf("%w: mprotect read-only: %v", ErrAllocationFailed, err)
	}
	content := make([]byte, size)
	copy(content, data)
	return &Store{kind: KindAnonymous, path: id, size: size, data: data, degraded: degraded}, content, nil
}

func acquireMapped(path string, degradeSize int) (*Store, []byte, error) {
	pseudo := strings.HasPrefix(path, PseudoPrefix)

	f, err := os.Open(path)
	if err != nil {
		if pseudo {
			return acquireAnonymous(path, degradeSize, true)
		}
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		if pseudo {
			return acquireAnonymous(path, degradeSize, true)
		}
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrStatFailed, path, err)
	}
	size := int(st.Size())
	if size == 0 && pseudo {
		size = readWindow
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		if pseudo {
			return acquireAnonymous(path, degradeSize, true)
		}
		return nil, nil, fmt.Errorf("%w: %s (%d bytes): %v", ErrMapFailed, path, size, err)
	}

	content := make([]byte, len(data))
	copy(content, data)
	return &Store{kind: KindMapped, path: path, size: size, data: data}, content, nil
}

func acquireDynamic(path string) (*Store, []byte, error) {
	content, err := readUpToWindow(path)
	if err != nil {
		return nil, nil, err
	}
	return &Store{kind: KindDynamic, path: path, size: len(content)}, content, nil
}

// Reacquire produces the region's current content and size for
// verification. Anonymous buffers are briefly made writable while their
// content is copied out, then restored to read-only. Mapped stores read
// from the existing mapping and re-stat the path for the current size.
// Dynamic stores re-open and re-read; their size may legitimately change.
func (s *Store) Reacquire() ([]byte, int, error) {
	switch s.kind {
	case KindDynamic:
		content, err := readUpToWindow(s.path)
		if err != nil {
			return nil, 0, err
		}
		s.size = len(content)
		return content, len(content), nil

	case KindMapped:
		if s.released {
			return nil, 0, fmt.Errorf("%w: %s: mapping released", ErrMapFailed, s.path)
		}
		st, err := os.Stat(s.path)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s: %v", ErrStatFailed, s.path, err)
		}
		return s.data, int(st.Size()), nil

	default:
		if s.released {
			return nil, 0, fmt.Errorf("%w: buffer released", ErrAllocationFailed)
		}
		if err := unix.Mprotect(s.data, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return nil, 0, fmt.Errorf("%w: mprotect read-write: %v", ErrMapFailed, err)
		}
		content := make([]byte, len(s.data))
		copy(content, s.data)
		if err := unix.Mprotect(s.data, unix.PROT_READ); err != nil {
			return nil, 0, fmt.Errorf("%w: mprotect read-only: %v", ErrMapFailed, err)
		}
		return content, s.size, nil
	}
}

// Release unmaps the backing memory. It is idempotent; dynamic stores
// hold no mapping and release is a no-op for them.
func (s *Store) Release() {
	if s.released {
		return
	}
	s.released = true
	if s.data != nil {
		_ = unix.Munmap(s.data)
		s.data = nil
	}
}

// InvertFirstByte flips the first content byte of a memory-backed store:
// write access is granted for the single mutation and revoked right
// after. Used to simulate in-memory tampering.
func (s *Store) InvertFirstByte() error {
	if s.released || len(s.data) == 0 {
		return fmt.Errorf("%w: no backing memory", ErrAllocationFailed)
	}
	if err := unix.Mprotect(s.data, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("%w: mprotect read-write: %v", ErrMapFailed, err)
	}
	s.data[0] = ^s.data[0]
	if err := unix.Mprotect(s.data, unix.PROT_READ); err != nil {
		return fmt.Errorf("%w: mprotect read-only: %v", ErrMapFailed, err)
	}
	return nil
}

// Overwrite copies data over the start of a memory-backed store,
// granting write access for the copy and revoking it right after. data
// must fit within the store.
func (s *Store) Overwrite(data []byte) error {
	if s.released || s.data == nil {
		return fmt.Errorf("%w: no backing memory", ErrAllocationFailed)
	}
	if len(data) > len(s.data) {
		return fmt.Errorf("region: %d bytes exceed store size %d", len(data), len(s.data))
	}
	if err := unix.Mprotect(s.data, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("%w: mprotect read-write: %v", ErrMapFailed, err)
	}
	copy(s.data, data)
	if err := unix.Mprotect(s.data, unix.PROT_READ); err != nil {
		return fmt.Errorf("%w: mprotect read-only: %v", ErrMapFailed, err)
	}
	return nil
}

// AppendMarker appends the single tamper-marker byte 'X' to the file at
// path. It reports false when the file is empty, missing, or not
// writable. Used to simulate on-disk tampering of a mapped region.
func AppendMarker(path string) bool {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return false
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil || st.Size() == 0 {
		return false
	}
	_, err = f.Write([]byte{'X'})
	return err == nil
}

func readUpToWindow(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, path, err)
	}
	defer f.Close()

	buf := make([]byte, readWindow)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("%w: read %s: %v", ErrOpenFailed, path, err)
	}
	return buf[:n], nil
}

// fillRandom fills buf from the OS entropy source, falling back to a
// time-seeded PRNG when the source is unavailable.
func fillRandom(buf []byte) {
	if _, err := crand.Read(buf); err == nil {
		return
	}
	r := mrand.New(mrand.NewSource(time.Now().UnixNano()))
	_, _ = r.Read(buf)
}
