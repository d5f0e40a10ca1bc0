package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
const DebounceDelay = 100 * time.Millisecond

// SettingsChangeEvent represents a notification that the settings file changed.
type SettingsChangeEvent struct {
	// Path is the settings file that changed.
	Path string
	// Timestamp is when the change was detected.
	Timestamp time.Time
}

// SettingsSubscriber receives notifications when the settings file changes.
// Implementations must be safe for concurrent use.
type SettingsSubscriber interface {
	// OnSettingsChanged is called when the watched settings file changes.
	OnSettingsChanged(event SettingsChangeEvent)
}

// SettingsWatcher monitors the Verso settings file and notifies subscribers,
// so running sessions can reload engine definitions without a restart.
// It watches the file's parent directory because editors typically replace
// files via rename, which drops a watch placed on the file itself.
//
// Thread-safety: All public methods are safe for concurrent use.
type SettingsWatcher struct {
	mu sync.RWMutex

	// watcher is the underlying fsnotify watcher.
	watcher *fsnotify.Watcher

	// path is the absolute settings file path being watched.
	path string

	// subscribers is the set of active subscribers.
	subscribers map[SettingsSubscriber]struct{}

	// debounceDelay is the delay before firing change events.
	debounceDelay time.Duration

	// pending marks a change waiting for the debounce window to expire.
	pending       bool
	debounceTimer *time.Timer
	debounceMu    sync.Mutex

	logger *slog.Logger

	// done signals the event loop to stop.
	done chan struct{}
	// stopped is closed when the event loop has exited.
	stopped chan struct{}
}

// NewSettingsWatcher creates a watcher for the given settings file.
// Call Start() to begin watching and Close() when done.
func NewSettingsWatcher(path string, logger *slog.Logger) (*SettingsWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return nil, err
	}

	sw := &SettingsWatcher{
		watcher:       watcher,
		path:          absPath,
		subscribers:   make(map[SettingsSubscriber]struct{}),
		debounceDelay: DebounceDelay,
		logger:        logger,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	return sw, nil
}

// SetDebounceDelay sets the debounce delay for batching rapid changes.
// Must be called before Start() or while no events are being processed.
func (sw *SettingsWatcher) SetDebounceDelay(d time.Duration) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.debounceDelay = d
}

// Start begins the event processing loop.
// This should be called once after creating the watcher.
func (sw *SettingsWatcher) Start() {
	go sw.eventLoop()
}

// Close stops the watcher and releases resources.
// After Close returns, no more events will be delivered to subscribers.
func (sw *SettingsWatcher) Close() error {
	close(sw.done)
	err := sw.watcher.Close()
	<-sw.stopped // Wait for event loop to exit
	return err
}

// Subscribe registers a subscriber for settings change notifications.
func (sw *SettingsWatcher) Subscribe(sub SettingsSubscriber) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.subscribers[sub] = struct{}{}
}

// Unsubscribe removes a subscriber.
func (sw *SettingsWatcher) Unsubscribe(sub SettingsSubscriber) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	delete(sw.subscribers, sub)
}

// SubscriberCount returns the number of active subscribers.
func (sw *SettingsWatcher) SubscriberCount() int {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	return len(sw.subscribers)
}

// eventLoop processes fsnotify events and debounces notifications.
func (sw *SettingsWatcher) eventLoop() {
	defer close(sw.stopped)

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			sw.handleEvent(event)

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			if sw.logger != nil {
				sw.logger.Warn("Settings watcher error", "error", err)
			}
		}
	}
}

// handleEvent processes a single fsnotify event.
func (sw *SettingsWatcher) handleEvent(event fsnotify.Event) {
	// Only care about the settings file itself
	if filepath.Clean(event.Name) != sw.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	if sw.logger != nil {
		sw.logger.Debug("Settings file changed",
			"path", event.Name,
			"op", event.Op.String())
	}

	// Mark pending and reset the debounce timer
	sw.debounceMu.Lock()
	sw.pending = true
	if sw.debounceTimer != nil {
		sw.debounceTimer.Stop()
	}
	sw.mu.RLock()
	delay := sw.debounceDelay
	sw.mu.RUnlock()
	sw.debounceTimer = time.AfterFunc(delay, sw.firePendingChange)
	sw.debounceMu.Unlock()
}

// firePendingChange delivers a debounced change notification to subscribers.
func (sw *SettingsWatcher) firePendingChange() {
	sw.debounceMu.Lock()
	if !sw.pending {
		sw.debounceMu.Unlock()
		return
	}
	sw.pending = false
	sw.debounceMu.Unlock()

	event := SettingsChangeEvent{
		Path:      sw.path,
		Timestamp: time.Now(),
	}

	sw.mu.RLock()
	subs := make([]SettingsSubscriber, 0, len(sw.subscribers))
	for sub := range sw.subscribers {
		subs = append(subs, sub)
	}
	sw.mu.RUnlock()

	for _, sub := range subs {
		sub.OnSettingsChanged(event)
	}
}
