package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/inercia/verso/internal/appdir"
	"github.com/inercia/verso/internal/fileutil"
	"github.com/inercia/verso/internal/logging"
	"github.com/inercia/verso/internal/transcript"
)

const (
	// recordFileName is the metadata file inside each session directory.
	recordFileName = "record.json"

	// messagesFileName is the transcript file inside each session directory.
	messagesFileName = "messages.jsonl"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store is closed")
)

// SessionStore is the interface for session persistence. The manager
// depends on this rather than the concrete Store so tests can swap in
// an in-memory implementation.
type SessionStore interface {
	// List returns metadata records for all sessions, newest first.
	// If projectID is non-empty, only sessions belonging to that
	// project are returned. Messages are not loaded.
	List(projectID string) ([]*Record, error)

	// Load reads a full session record including its messages.
	Load(sessionID string) (*Record, error)

	// Save writes a session record and its messages to disk,
	// stamping UpdatedAt.
	Save(rec *Record) error

	// Delete removes a session and all its files.
	Delete(sessionID string) error

	// Rename moves a session to a new identifier, updating the
	// stored record to match.
	Rename(oldID, newID string) error

	// Exists reports whether a session is present on disk.
	Exists(sessionID string) bool

	// Close releases the store. Further operations return ErrClosed.
	Close() error
}

// Store is the filesystem-backed session store.
type Store struct {
	baseDir string
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Interface compliance check.
var _ SessionStore = (*Store)(nil)

// NewStore creates a session store rooted at baseDir, creating the
// directory if needed.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &Store{
		baseDir: baseDir,
		logger:  logging.Store(),
	}, nil
}

// Open creates a session store at the default application sessions
// directory.
func Open() (*Store, error) {
	dir, err := appdir.SessionsDir()
	if err != nil {
		return nil, err
	}
	return NewStore(dir)
}

// BaseDir returns the root directory of the store.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// sessionDir returns the directory for a given session.
func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

func (s *Store) recordPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), recordFileName)
}

func (s *Store) messagesPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), messagesFileName)
}

// Save writes the record metadata and transcript for a session. The
// session directory is created if needed and UpdatedAt is stamped.
func (s *Store) Save(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	dir := s.sessionDir(rec.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	rec.UpdatedAt = time.Now()

	if err := fileutil.WriteJSONAtomic(s.recordPath(rec.ID), rec, 0644); err != nil {
		return fmt.Errorf("failed to write session record: %w", err)
	}
	if err := s.writeMessages(rec.ID, rec.Messages); err != nil {
		return err
	}

	s.logger.Debug("Session saved", "session_id", rec.ID, "messages", len(rec.Messages))
	return nil
}

// writeMessages serializes the transcript as JSONL and writes it
// atomically. A nil slice still produces an (empty) file so Load can
// distinguish stored sessions from corrupted ones.
func (s *Store) writeMessages(sessionID string, messages []*transcript.Message) error {
	var buf bytes.Buffer
	for _, msg := range messages {
		line, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := fileutil.WriteAtomic(s.messagesPath(sessionID), buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write messages: %w", err)
	}
	return nil
}

// Load reads a full session record with its messages.
func (s *Store) Load(sessionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rec, err := s.readRecord(sessionID)
	if err != nil {
		return nil, err
	}

	messages, err := s.readMessages(sessionID)
	if err != nil {
		return nil, err
	}
	rec.Messages = messages
	return rec, nil
}

// readRecord reads just the metadata file for a session.
func (s *Store) readRecord(sessionID string) (*Record, error) {
	var rec Record
	if err := fileutil.ReadJSON(s.recordPath(sessionID), &rec); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read session record: %w", err)
	}
	return &rec, nil
}

// readMessages reads the transcript JSONL for a session. A missing
// messages file yields an empty transcript; the record file is the
// source of truth for session existence.
func (s *Store) readMessages(sessionID string) ([]*transcript.Message, error) {
	f, err := os.Open(s.messagesPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open messages file: %w", err)
	}
	defer f.Close()

	var messages []*transcript.Message
	scanner := bufio.NewScanner(f)
	// Default scanner buffer is 64KB; agent messages with large code
	// blocks or tool outputs can exceed that.
	const maxScannerBuffer = 10 * 1024 * 1024
	scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg transcript.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return messages, nil
}

// List returns metadata records for all sessions, sorted by UpdatedAt
// descending. Directories without a readable record are skipped.
func (s *Store) List(projectID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec, err := s.readRecord(entry.Name())
		if err != nil {
			s.logger.Debug("Skipping unreadable session", "session_id", entry.Name(), "error", err)
			continue
		}
		if projectID != "" && rec.ProjectID != projectID {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	return records, nil
}

// Delete removes a session directory and everything in it.
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	dir := s.sessionDir(sessionID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ErrNotFound
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.logger.Debug("Session deleted", "session_id", sessionID)
	return nil
}

// Rename moves a session to a new identifier. The directory is renamed
// and the stored record ID is rewritten to match. Used when an engine
// assigns the real session identity after a draft or revival.
func (s *Store) Rename(oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if oldID == "" || newID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if oldID == newID {
		return nil
	}

	oldDir := s.sessionDir(oldID)
	if _, err := os.Stat(oldDir); os.IsNotExist(err) {
		return ErrNotFound
	}
	newDir := s.sessionDir(newID)
	if _, err := os.Stat(newDir); err == nil {
		return fmt.Errorf("session %s already exists", newID)
	}

	if err := os.Rename(oldDir, newDir); err != nil {
		return fmt.Errorf("failed to rename session: %w", err)
	}

	rec, err := s.readRecord(newID)
	if err != nil {
		return err
	}
	rec.ID = newID
	if err := fileutil.WriteJSONAtomic(s.recordPath(newID), rec, 0644); err != nil {
		return fmt.Errorf("failed to rewrite session record: %w", err)
	}

	s.logger.Debug("Session renamed", "old_id", oldID, "new_id", newID)
	return nil
}

// Exists reports whether a session directory with a record is present.
func (s *Store) Exists(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	_, err := os.Stat(s.recordPath(sessionID))
	return err == nil
}

// Cleanup deletes sessions not updated within the retention period.
// Returns the number of sessions removed. A retention of "never" or ""
// disables cleanup.
func (s *Store) Cleanup(retention string) (int, error) {
	period, err := parseRetentionPeriod(retention)
	if err != nil {
		return 0, err
	}
	if period == 0 {
		return 0, nil
	}

	records, err := s.List("")
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-period)
	removed := 0
	for _, rec := range records {
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.Delete(rec.ID); err != nil {
			s.logger.Warn("Failed to remove expired session", "session_id", rec.ID, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("Expired sessions removed", "count", removed, "retention", retention)
	}
	return removed, nil
}

// parseRetentionPeriod converts a retention setting into a duration.
// Supported values: "never" or "" (disabled), "1d", "1w", "1m", "3m".
func parseRetentionPeriod(retention string) (time.Duration, error) {
	switch retention {
	case "", "never":
		return 0, nil
	case "1d":
		return 24 * time.Hour, nil
	case "1w":
		return 7 * 24 * time.Hour, nil
	case "1m":
		return 30 * 24 * time.Hour, nil
	case "3m":
		return 90 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid retention period: %q", retention)
	}
}

// Close marks the store as closed. Subsequent operations fail with
// ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
