package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/risa-org/castchannel/store"
)

var _ store.Store = (*Store)(nil)

// tempPath returns a path in a fresh temp dir with no file yet.
func tempPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "devices.cbor")
}

func TestPutAndGet(t *testing.T) {
	s, err := New(tempPath(t))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if err := s.Put(store.DeviceRecord{Endpoint: "10.0.0.5:8009", AudioOnly: true}); err != nil {
		t.Fatalf("failed to put record: %v", err)
	}

	got, ok := s.Get("10.0.0.5:8009")
	if !ok {
		t.Fatal("expected to find record after putting it")
	}
	if !got.AudioOnly {
		t.Error("expected audio-only to be kept")
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	path := tempPath(t)
	connected := time.Date(2026, 3, 14, 15, 9, 26, 535897932, time.UTC)

	store1, err := New(path)
	if err != nil {
		t.Fatalf("failed to create store1: %v", err)
	}
	err = store1.Put(store.DeviceRecord{
		Endpoint:      "10.0.0.5:8009",
		AudioOnly:     true,
		LastError:     "AUTHENTICATION_ERROR",
		LastConnected: connected,
		ConnectCount:  3,
	})
	if err != nil {
		t.Fatalf("failed to put record: %v", err)
	}

	// simulate restart
	store2, err := New(path)
	if err != nil {
		t.Fatalf("failed to create store2: %v", err)
	}

	got, ok := store2.Get("10.0.0.5:8009")
	if !ok {
		t.Fatal("expected record to survive restart")
	}
	if !got.AudioOnly || got.ConnectCount != 3 || got.LastError != "AUTHENTICATION_ERROR" {
		t.Errorf("unexpected record after restart: %+v", got)
	}
	if !got.LastConnected.Equal(connected) {
		t.Errorf("expected last connected %v, got %v", connected, got.LastConnected)
	}
}

func TestDeleteRemovesFromDisk(t *testing.T) {
	path := tempPath(t)

	store1, _ := New(path)
	store1.Put(store.DeviceRecord{Endpoint: "a:8009"})
	store1.Delete("a:8009")

	// reload, record should be gone
	store2, _ := New(path)
	_, ok := store2.Get("a:8009")
	if ok {
		t.Error("expected deleted record to be gone after reload")
	}
}

func TestCountReflectsPersistedRecords(t *testing.T) {
	path := tempPath(t)

	store1, _ := New(path)
	store1.Put(store.DeviceRecord{Endpoint: "a:8009"})
	store1.Put(store.DeviceRecord{Endpoint: "b:8009"})

	store2, _ := New(path)
	if store2.Count() != 2 {
		t.Errorf("expected count 2 after reload, got %d", store2.Count())
	}
}

func TestNoTempFileLeftBehind(t *testing.T) {
	path := tempPath(t)

	s, _ := New(path)
	s.Put(store.DeviceRecord{Endpoint: "a:8009"})
	if err := s.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("expected temp file to be renamed away, stat err: %v", err)
	}
}

func TestCorruptFileIsAnError(t *testing.T) {
	path := tempPath(t)
	if err := os.WriteFile(path, []byte{0xff, 0x00, 0x13}, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := New(path); err == nil {
		t.Error("expected an error loading a corrupt file")
	}
}

func TestEmptyFileOnFreshStart(t *testing.T) {
	s, err := New(tempPath(t))
	if err != nil {
		t.Fatalf("unexpected error on fresh start: %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("expected empty store on fresh start, got %d", s.Count())
	}
}
