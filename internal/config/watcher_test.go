package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// recordingSubscriber collects change events for assertions.
type recordingSubscriber struct {
	mu     sync.Mutex
	events []SettingsChangeEvent
}

func (r *recordingSubscriber) OnSettingsChanged(event SettingsChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestSettingsWatcherNotifiesOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	sw, err := NewSettingsWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewSettingsWatcher() error = %v", err)
	}
	defer sw.Close()
	sw.SetDebounceDelay(10 * time.Millisecond)

	sub := &recordingSubscriber{}
	sw.Subscribe(sub)
	sw.Start()

	if err := os.WriteFile(path, []byte(`{"a":1}`), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sub.count() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no change notification delivered")
}

func TestSettingsWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	sw, err := NewSettingsWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewSettingsWatcher() error = %v", err)
	}
	defer sw.Close()
	sw.SetDebounceDelay(10 * time.Millisecond)

	sub := &recordingSubscriber{}
	sw.Subscribe(sub)
	sw.Start()

	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if sub.count() != 0 {
		t.Errorf("got %d notifications for unrelated file, want 0", sub.count())
	}
}

func TestSettingsWatcherUnsubscribe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	sw, err := NewSettingsWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewSettingsWatcher() error = %v", err)
	}
	defer sw.Close()
	sw.Start()

	sub := &recordingSubscriber{}
	sw.Subscribe(sub)
	if sw.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", sw.SubscriberCount())
	}
	sw.Unsubscribe(sub)
	if sw.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", sw.SubscriberCount())
	}
}

func TestSettingsWatcherDebouncesBursts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	sw, err := NewSettingsWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewSettingsWatcher() error = %v", err)
	}
	defer sw.Close()
	sw.SetDebounceDelay(50 * time.Millisecond)

	sub := &recordingSubscriber{}
	sw.Subscribe(sub)
	sw.Start()

	// A burst of writes within the debounce window collapses into one
	// notification.
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(200 * time.Millisecond)
	if got := sub.count(); got != 1 {
		t.Errorf("got %d notifications, want 1", got)
	}
}
