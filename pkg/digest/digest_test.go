package digest

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestSum(t *testing.T) {
	t.Run("empty input matches known vector", func(t *testing.T) {
		d := Sum(nil)
		got := hex.EncodeToString(d[:])
		want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
		if got != want {
			t.Errorf("Sum(nil) = %s, want %s", got, want)
		}
	})

	t.Run("abc matches known vector", func(t *testing.T) {
		d := Sum([]byte("abc"))
		got := hex.EncodeToString(d[:])
		want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
		if got != want {
			t.Errorf("Sum(abc) = %s, want %s", got, want)
		}
	})

	t.Run("same input yields same digest", func(t *testing.T) {
		a := Sum([]byte("monitored content"))
		b := Sum([]byte("monitored content"))
		if !Equal(a, b) {
			t.Error("digests of identical input differ")
		}
	})

	t.Run("different input yields different digest", func(t *testing.T) {
		a := Sum([]byte("monitored content"))
		b := Sum([]byte("monitored content!"))
		if Equal(a, b) {
			t.Error("digests of different input are equal")
		}
	})
}

func TestEqual(t *testing.T) {
	t.Run("reflexive", func(t *testing.T) {
		d := Sum([]byte("x"))
		if !Equal(d, d) {
			t.Error("Equal(d, d) = false, want true")
		}
	})

	t.Run("detects single byte difference", func(t *testing.T) {
		a := Sum([]byte("x"))
		b := a
		b[31] ^= 0x01
		if Equal(a, b) {
			t.Error("Equal = true for digests differing in one byte")
		}
	})
}

func TestDiffCount(t *testing.T) {
	t.Run("zero for equal digests", func(t *testing.T) {
		d := Sum([]byte("payload"))
		if got := DiffCount(d, d); got != 0 {
			t.Errorf("DiffCount(d, d) = %d, want 0", got)
		}
	})

	t.Run("counts flipped positions", func(t *testing.T) {
		a := Sum([]byte("payload"))
		b := a
		b[0] ^= 0xFF
		b[7] ^= 0x01
		b[31] ^= 0x80
		if got := DiffCount(a, b); got != 3 {
			t.Errorf("DiffCount = %d, want 3", got)
		}
	})

	t.Run("full inversion counts every byte", func(t *testing.T) {
		a := Sum([]byte("payload"))
		var b Digest
		for i := range a {
			b[i] = ^a[i]
		}
		if got := DiffCount(a, b); got != Size {
			t.Errorf("DiffCount = %d, want %d", got, Size)
		}
	})
}

func TestShortHex(t *testing.T) {
	t.Run("is 16 hex characters", func(t *testing.T) {
		d := Sum([]byte("abc"))
		if got := ShortHex(d); len(got) != 16 {
			t.Errorf("len(ShortHex) = %d, want 16", len(got))
		}
	})

	t.Run("is a prefix of the full digest hex", func(t *testing.T) {
		d := Sum([]byte("abc"))
		full := hex.EncodeToString(d[:])
		if !strings.HasPrefix(full, ShortHex(d)) {
			t.Errorf("ShortHex %q is not a prefix of %q", ShortHex(d), full)
		}
	})
}
