package blobstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLocalStorePutGetExists(t *testing.T) {
	var tests = []struct {
		desc string
		data []byte
	}{
		{desc: "empty blob", data: []byte{}},
		{desc: "small blob", data: []byte("hello, aoecas")},
		{desc: "sector sized blob", data: make([]byte, 4096)},
	}

	for i, tt := range tests {
		dir := t.TempDir()
		s, err := Open(dir, nil)
		if err != nil {
			t.Fatalf("[%02d] test %q, Open: %v", i, tt.desc, err)
		}

		h := Sum(tt.data)
		if s.Exists(h) {
			t.Fatalf("[%02d] test %q, blob exists before Put", i, tt.desc)
		}

		if err := s.Put(h, tt.data); err != nil {
			t.Fatalf("[%02d] test %q, Put: %v", i, tt.desc, err)
		}
		if !s.Exists(h) {
			t.Fatalf("[%02d] test %q, blob missing after Put", i, tt.desc)
		}

		got, err := s.Get(h)
		if err != nil {
			t.Fatalf("[%02d] test %q, Get: %v", i, tt.desc, err)
		}
		if len(got) != len(tt.data) {
			t.Fatalf("[%02d] test %q, unexpected length: %d != %d", i, tt.desc, len(got), len(tt.data))
		}
	}
}

func TestLocalStorePutIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	data := []byte("deduplicate me")
	h := Sum(data)

	if err := s.Put(h, data); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	_, final := s.shardPath(h)
	first, err := os.Stat(final)
	if err != nil {
		t.Fatalf("stat after first Put: %v", err)
	}

	if err := s.Put(h, data); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	second, err := os.Stat(final)
	if err != nil {
		t.Fatalf("stat after second Put: %v", err)
	}

	if first.ModTime() != second.ModTime() {
		t.Fatalf("second Put rewrote the blob: mtime changed")
	}

	stats := s.Stats()
	if stats.BlobCount != 1 {
		t.Fatalf("unexpected blob count after duplicate Put: %d", stats.BlobCount)
	}
}

func TestLocalStoreGetCorrupted(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	data := []byte("original content")
	h := Sum(data)
	if err := s.Put(h, data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, final := s.shardPath(h)
	if err := os.WriteFile(final, []byte("tampered content"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := s.Get(h); err != ErrCorrupted {
		t.Fatalf("Get after tamper: want ErrCorrupted, got %v", err)
	}
}

func TestLocalStoreSweepsOrphanedTemp(t *testing.T) {
	dir := t.TempDir()
	shard := filepath.Join(dir, "ab")
	if err := os.MkdirAll(shard, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	orphan := filepath.Join(shard, "deadbeef.tmp")
	if err := os.WriteFile(orphan, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}

	if _, err := Open(dir, nil); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatalf("orphaned temp file survived sweep: err=%v", err)
	}
}

func TestHashRoundTrip(t *testing.T) {
	h := Sum([]byte("round trip me"))
	s := h.String()

	got, err := ParseHash(s)
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if got != h {
		t.Fatalf("ParseHash(%q) = %v, want %v", s, got, h)
	}
}
