// Package shared provides utility functions used by the daemon binary.
package shared

import (
	crand "crypto/rand"
	"encoding/binary"
	"math"
	"os"
	"os/user"
	"strconv"
	"time"
)

// GetHostname returns the system hostname, or "" on error.
func GetHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

// GetUsername returns the current user's name, or "" on error.
func GetUsername() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}

// GetUID returns the current user's numeric UID, or -1 on error.
func GetUID() int {
	u, err := user.Current()
	if err != nil {
		return -1
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return -1
	}
	return uid
}

// SleepWithShutdown sleeps for the jittered duration but returns early
// if shutdownCh is closed.
func SleepWithShutdown(base time.Duration, jitter float64, shutdownCh <-chan struct{}) {
	d := CalculateSleep(base, jitter)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-shutdownCh:
	}
}

// CalculateSleep adds cryptographically random jitter to the base duration.
// The result falls in the range [base*(1-jitter), base*(1+jitter)].
func CalculateSleep(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	if jitter > 1.0 {
		jitter = 1.0
	}
	b := make([]byte, 8)
	_, _ = crand.Read(b)
	randFloat := float64(binary.BigEndian.Uint64(b)) / float64(math.MaxUint64)
	offset := float64(base) * jitter * (randFloat*2 - 1)
	return base + time.Duration(offset)
}
