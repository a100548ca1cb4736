package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"framegeist/internal/config"
	"framegeist/internal/models"
)

// EventSink receives every session transition. Publish must not block.
type EventSink interface {
	Publish(event models.SessionEvent)
}

type discardSink struct{}

func (discardSink) Publish(models.SessionEvent) {}

var stagedExt = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)

type entry struct {
	mu      sync.Mutex
	session models.Session
}

// SessionService is the process-wide table of stream sessions. The table
// lock is never held while an entry lock is being acquired; transitions on
// one session are serialized by its entry lock.
type SessionService struct {
	sessions map[string]*entry
	mu       sync.RWMutex
	tmpDir   string
	config   config.SessionsConfig
	sink     EventSink
	now      func() time.Time
}

func NewSessionService(cfg *config.Config, sink EventSink) (*SessionService, error) {
	if err := os.MkdirAll(cfg.Server.TmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tmp dir: %w", err)
	}
	if sink == nil {
		sink = discardSink{}
	}
	return &SessionService{
		sessions: make(map[string]*entry),
		tmpDir:   cfg.Server.TmpDir,
		config:   cfg.Sessions,
		sink:     sink,
		now:      time.Now,
	}, nil
}

// Register creates a session in the registered state with a staging path
// for the upload. It fails with ErrCapacity when the table is full.
func (s *SessionService) Register(ctx context.Context, filename string, size int64) (models.Session, error) {
	if err := ctx.Err(); err != nil {
		return models.Session{}, err
	}

	id := newStreamID()
	now := s.now()
	e := &entry{session: models.Session{
		ID:        id,
		FilePath:  filepath.Join(s.tmpDir, id+StagedExtension(filename)),
		Filename:  filepath.Base(filename),
		Size:      size,
		Status:    models.StatusRegistered,
		CreatedAt: now,
		UpdatedAt: now,
	}}

	if s.Count() >= s.config.MaxSessions {
		// Stale uploads still occupy the table until swept.
		s.Sweep(now)
	}

	s.mu.Lock()
	if len(s.sessions) >= s.config.MaxSessions {
		s.mu.Unlock()
		return models.Session{}, fmt.Errorf("%d live sessions: %w", s.config.MaxSessions, models.ErrCapacity)
	}
	s.sessions[id] = e
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	s.publish(&e.session, "", 0)

	slog.InfoContext(ctx, "session: registered", "stream_id", id, "filename", e.session.Filename, "size", size)
	return e.session, nil
}

// MarkReady moves a registered session to ready. Calling it again on a ready
// session is a no-op.
func (s *SessionService) MarkReady(ctx context.Context, id string) error {
	e, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	switch e.session.Status {
	case models.StatusReady:
		return nil
	case models.StatusRegistered:
		s.transition(&e.session, models.StatusReady, "", 0)
		slog.InfoContext(ctx, "session: ready", "stream_id", id)
		return nil
	default:
		return fmt.Errorf("session %s is %s: %w", id, e.session.Status, models.ErrNotFound)
	}
}

// BeginConsume claims the session for its single consumer. Only one caller
// ever succeeds; later calls get ErrConflict, as do calls before the upload
// is ready.
func (s *SessionService) BeginConsume(ctx context.Context, id string) (models.Session, error) {
	e, err := s.acquire(id)
	if err != nil {
		return models.Session{}, err
	}
	defer e.mu.Unlock()

	switch e.session.Status {
	case models.StatusReady:
		s.transition(&e.session, models.StatusConsuming, "", 0)
		slog.InfoContext(ctx, "session: consuming", "stream_id", id)
		return e.session, nil
	case models.StatusRegistered:
		return models.Session{}, fmt.Errorf("session %s is not ready: %w", id, models.ErrConflict)
	default:
		return models.Session{}, fmt.Errorf("session %s is %s: %w", id, e.session.Status, models.ErrConflict)
	}
}

// Complete finishes a consumed session and releases its staged file.
func (s *SessionService) Complete(ctx context.Context, id string, frames int) error {
	e, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.session.Status != models.StatusConsuming {
		return fmt.Errorf("session %s is %s: %w", id, e.session.Status, models.ErrConflict)
	}
	s.transition(&e.session, models.StatusCompleted, "", frames)
	s.evict(e)

	slog.InfoContext(ctx, "session: completed", "stream_id", id, "frames", frames)
	return nil
}

// Fail ends a live session in any state and releases its staged file.
func (s *SessionService) Fail(ctx context.Context, id, reason string) error {
	e, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	s.transition(&e.session, models.StatusFailed, reason, 0)
	s.evict(e)

	slog.WarnContext(ctx, "session: failed", "stream_id", id, "reason", reason)
	return nil
}

// Lookup returns a snapshot of a live session.
func (s *SessionService) Lookup(id string) (models.Session, bool) {
	e, err := s.acquire(id)
	if err != nil {
		return models.Session{}, false
	}
	defer e.mu.Unlock()
	return e.session, true
}

// Sweep expires registered and ready sessions older than the TTL and returns
// how many were evicted. Consuming sessions are left alone.
func (s *SessionService) Sweep(now time.Time) int {
	expired := 0
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if s.expireIfStale(e, now) {
			expired++
		}
		e.mu.Unlock()
	}
	if expired > 0 {
		slog.Info("session: swept expired sessions", "expired", expired, "live", s.Count())
	}
	return expired
}

// Owns reports whether path is the staging file of a live session.
func (s *SessionService) Owns(path string) bool {
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.FilePath == path && !e.session.Status.IsTerminal()
}

// Count returns the number of live sessions.
func (s *SessionService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Shutdown fails every live session and removes all staged files.
func (s *SessionService) Shutdown() {
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if !e.session.Status.IsTerminal() {
			s.transition(&e.session, models.StatusFailed, "server shutting down", 0)
			s.evict(e)
		}
		e.mu.Unlock()
	}
	slog.Info("session: registry shut down")
}

// acquire returns the live entry for id with its lock held. Entries that
// reached a terminal state, or outlived the TTL, count as absent.
func (s *SessionService) acquire(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
	}

	e.mu.Lock()
	if e.session.Status.IsTerminal() || s.expireIfStale(e, s.now()) {
		e.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
	}
	return e, nil
}

// expireIfStale must be called with e.mu held.
func (s *SessionService) expireIfStale(e *entry, now time.Time) bool {
	switch e.session.Status {
	case models.StatusRegistered, models.StatusReady:
	default:
		return false
	}
	if now.Sub(e.session.CreatedAt) <= s.config.TTL {
		return false
	}

	s.transition(&e.session, models.StatusExpired, "ttl exceeded", 0)
	s.evict(e)
	slog.Info("session: expired", "stream_id", e.session.ID)
	return true
}

func (s *SessionService) transition(sess *models.Session, to models.Status, reason string, frames int) {
	prev := sess.Status
	sess.Status = to
	sess.UpdatedAt = s.now()
	if reason != "" {
		sess.Reason = reason
	}
	s.publish(sess, prev, frames)
}

func (s *SessionService) publish(sess *models.Session, prev models.Status, frames int) {
	s.sink.Publish(models.SessionEvent{
		EventID:    uuid.NewString(),
		SessionID:  sess.ID,
		Status:     sess.Status,
		Previous:   prev,
		Reason:     sess.Reason,
		Filename:   sess.Filename,
		Size:       sess.Size,
		Frames:     frames,
		OccurredAt: sess.UpdatedAt,
	})
}

// evict must be called with e.mu held.
func (s *SessionService) evict(e *entry) {
	s.mu.Lock()
	if s.sessions[e.session.ID] == e {
		delete(s.sessions, e.session.ID)
	}
	s.mu.Unlock()

	if err := os.Remove(e.session.FilePath); err != nil && !os.IsNotExist(err) {
		slog.Warn("session: failed to remove staged file", "stream_id", e.session.ID, "path", e.session.FilePath, "error", err)
	}
}

func (s *SessionService) snapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	return entries
}

func newStreamID() string {
	return "stream_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// StagedExtension returns the lower-cased extension of filename when it is
// safe to use in a staging path, or "".
func StagedExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if stagedExt.MatchString(ext) {
		return ext
	}
	return ""
}
