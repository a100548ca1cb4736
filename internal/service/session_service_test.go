package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"framegeist/internal/config"
	"framegeist/internal/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.SessionEvent
}

func (s *recordingSink) Publish(ev models.SessionEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) statuses(id string) []models.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Status
	for _, ev := range s.events {
		if ev.SessionID == id {
			out = append(out, ev.Status)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, mutate func(*config.Config)) (*SessionService, *recordingSink, *fakeClock) {
	t.Helper()
	cfg := config.DefaultConfig
	cfg.Server.TmpDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}

	sink := &recordingSink{}
	svc, err := NewSessionService(&cfg, sink)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	svc.now = clock.Now
	return svc, sink, clock
}

// stage registers a session, writes its upload and marks it ready.
func stage(t *testing.T, svc *SessionService, content string) models.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := svc.Register(ctx, "clip.mp4", int64(len(content)))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(sess.FilePath, []byte(content), 0o644))
	require.NoError(t, svc.MarkReady(ctx, sess.ID))
	return sess
}

func TestRegister(t *testing.T) {
	svc, sink, _ := newTestService(t, nil)

	sess, err := svc.Register(context.Background(), "../../My Clip.MP4", 42)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sess.ID, "stream_"))
	assert.Len(t, sess.ID, len("stream_")+12)
	assert.Equal(t, models.StatusRegistered, sess.Status)
	assert.Equal(t, "My Clip.MP4", sess.Filename)
	assert.Equal(t, filepath.Join(svc.tmpDir, sess.ID+".mp4"), sess.FilePath)
	assert.Equal(t, []models.Status{models.StatusRegistered}, sink.statuses(sess.ID))

	got, ok := svc.Lookup(sess.ID)
	require.True(t, ok)
	assert.Equal(t, sess, got)
}

func TestRegister_UniqueIDs(t *testing.T) {
	svc, _, _ := newTestService(t, func(c *config.Config) { c.Sessions.MaxSessions = 1000 })
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		sess, err := svc.Register(context.Background(), "a.mp4", 1)
		require.NoError(t, err)
		require.False(t, seen[sess.ID])
		seen[sess.ID] = true
	}
}

func TestRegister_Capacity(t *testing.T) {
	svc, _, _ := newTestService(t, func(c *config.Config) { c.Sessions.MaxSessions = 2 })
	ctx := context.Background()

	first, err := svc.Register(ctx, "a.mp4", 1)
	require.NoError(t, err)
	_, err = svc.Register(ctx, "b.mp4", 1)
	require.NoError(t, err)

	_, err = svc.Register(ctx, "c.mp4", 1)
	assert.True(t, models.IsCapacity(err))

	require.NoError(t, svc.Fail(ctx, first.ID, "upload aborted"))
	_, err = svc.Register(ctx, "c.mp4", 1)
	assert.NoError(t, err)
}

func TestRegister_CapacityReclaimsExpired(t *testing.T) {
	svc, sink, clock := newTestService(t, func(c *config.Config) {
		c.Sessions.MaxSessions = 1
		c.Sessions.TTL = time.Minute
	})
	ctx := context.Background()

	abandoned := stage(t, svc, "abandoned")
	_, err := svc.Register(ctx, "b.mp4", 1)
	assert.True(t, models.IsCapacity(err))

	clock.Advance(2 * time.Minute)
	fresh, err := svc.Register(ctx, "b.mp4", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, svc.Count())
	assert.NoFileExists(t, abandoned.FilePath)
	assert.Contains(t, sink.statuses(abandoned.ID), models.StatusExpired)

	_, ok := svc.Lookup(fresh.ID)
	assert.True(t, ok)
}

func TestMarkReady(t *testing.T) {
	svc, sink, _ := newTestService(t, nil)
	ctx := context.Background()

	sess, err := svc.Register(ctx, "a.mp4", 1)
	require.NoError(t, err)

	require.NoError(t, svc.MarkReady(ctx, sess.ID))
	require.NoError(t, svc.MarkReady(ctx, sess.ID))
	assert.Equal(t, []models.Status{models.StatusRegistered, models.StatusReady}, sink.statuses(sess.ID))

	assert.True(t, models.IsNotFound(svc.MarkReady(ctx, "stream_missing")))

	_, err = svc.BeginConsume(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, models.IsNotFound(svc.MarkReady(ctx, sess.ID)))
}

func TestBeginConsume_States(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.BeginConsume(ctx, "stream_missing")
	assert.True(t, models.IsNotFound(err))

	sess, err := svc.Register(ctx, "a.mp4", 1)
	require.NoError(t, err)
	_, err = svc.BeginConsume(ctx, sess.ID)
	assert.True(t, models.IsConflict(err), "not ready yet")

	require.NoError(t, svc.MarkReady(ctx, sess.ID))
	got, err := svc.BeginConsume(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConsuming, got.Status)

	_, err = svc.BeginConsume(ctx, sess.ID)
	assert.True(t, models.IsConflict(err))
}

func TestBeginConsume_AtMostOnce(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	sess := stage(t, svc, "video")

	const callers = 64
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.BeginConsume(context.Background(), sess.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case models.IsConflict(err):
				conflicts++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, conflicts)
}

func TestComplete_EvictsAndRemovesFile(t *testing.T) {
	svc, sink, _ := newTestService(t, nil)
	ctx := context.Background()
	sess := stage(t, svc, "video")

	assert.True(t, models.IsConflict(svc.Complete(ctx, sess.ID, 0)), "must be consuming")

	_, err := svc.BeginConsume(ctx, sess.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, sess.ID, 3))

	_, ok := svc.Lookup(sess.ID)
	assert.False(t, ok)
	assert.NoFileExists(t, sess.FilePath)
	assert.Equal(t, 0, svc.Count())
	assert.Equal(t, []models.Status{
		models.StatusRegistered,
		models.StatusReady,
		models.StatusConsuming,
		models.StatusCompleted,
	}, sink.statuses(sess.ID))

	assert.True(t, models.IsNotFound(svc.Complete(ctx, sess.ID, 3)))
	assert.True(t, models.IsNotFound(svc.Fail(ctx, sess.ID, "late")))
}

func TestFail_RecordsReason(t *testing.T) {
	svc, sink, _ := newTestService(t, nil)
	ctx := context.Background()
	sess := stage(t, svc, "video")

	require.NoError(t, svc.Fail(ctx, sess.ID, "client disconnected"))
	assert.NoFileExists(t, sess.FilePath)

	sink.mu.Lock()
	last := sink.events[len(sink.events)-1]
	sink.mu.Unlock()
	assert.Equal(t, models.StatusFailed, last.Status)
	assert.Equal(t, models.StatusReady, last.Previous)
	assert.Equal(t, "client disconnected", last.Reason)
	assert.NotEmpty(t, last.EventID)
}

func TestExpiredSessionIsUnreachable(t *testing.T) {
	svc, sink, clock := newTestService(t, func(c *config.Config) { c.Sessions.TTL = time.Minute })
	ctx := context.Background()
	sess := stage(t, svc, "video")

	clock.Advance(time.Minute + time.Second)

	_, err := svc.BeginConsume(ctx, sess.ID)
	assert.True(t, models.IsNotFound(err))
	assert.NoFileExists(t, sess.FilePath)
	assert.Contains(t, sink.statuses(sess.ID), models.StatusExpired)

	_, ok := svc.Lookup(sess.ID)
	assert.False(t, ok)
}

func TestSweep(t *testing.T) {
	svc, _, clock := newTestService(t, func(c *config.Config) { c.Sessions.TTL = time.Minute })
	ctx := context.Background()

	registered, err := svc.Register(ctx, "a.mp4", 1)
	require.NoError(t, err)
	ready := stage(t, svc, "ready")
	consuming := stage(t, svc, "consuming")
	_, err = svc.BeginConsume(ctx, consuming.ID)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	fresh := stage(t, svc, "fresh")

	assert.Equal(t, 0, svc.Sweep(clock.Now()))

	clock.Advance(45 * time.Second)
	assert.Equal(t, 2, svc.Sweep(clock.Now()))

	_, ok := svc.Lookup(registered.ID)
	assert.False(t, ok)
	_, ok = svc.Lookup(ready.ID)
	assert.False(t, ok)
	_, ok = svc.Lookup(fresh.ID)
	assert.True(t, ok)

	got, ok := svc.Lookup(consuming.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusConsuming, got.Status)
}

func TestSweeper_RemovesOrphans(t *testing.T) {
	svc, _, _ := newTestService(t, func(c *config.Config) { c.Sessions.TTL = 10 * time.Minute })
	// file mtimes are wall-clock
	svc.now = time.Now
	live := stage(t, svc, "live")

	orphan := filepath.Join(svc.tmpDir, "stream_deadbeef0000.mp4")
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0o644))
	recent := filepath.Join(svc.tmpDir, "stream_0123456789ab.mp4")
	require.NoError(t, os.WriteFile(recent, []byte("x"), 0o644))
	unrelated := filepath.Join(svc.tmpDir, "notes.txt")
	require.NoError(t, os.WriteFile(unrelated, []byte("x"), 0o644))

	old := time.Now().Add(-time.Hour)
	for _, path := range []string{orphan, unrelated, live.FilePath} {
		require.NoError(t, os.Chtimes(path, old, old))
	}

	NewSessionSweeper(svc).RunOnce()

	assert.NoFileExists(t, orphan)
	assert.FileExists(t, recent)
	assert.FileExists(t, unrelated)
	assert.FileExists(t, live.FilePath)
	assert.True(t, svc.Owns(live.FilePath))
}

func TestSweeper_StopsWithContext(t *testing.T) {
	svc, _, _ := newTestService(t, func(c *config.Config) { c.Sessions.SweepInterval = 10 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		NewSessionSweeper(svc).Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestShutdown(t *testing.T) {
	svc, sink, _ := newTestService(t, nil)
	a := stage(t, svc, "a")
	b, err := svc.Register(context.Background(), "b.mp4", 1)
	require.NoError(t, err)

	svc.Shutdown()

	assert.Equal(t, 0, svc.Count())
	assert.NoFileExists(t, a.FilePath)
	assert.Contains(t, sink.statuses(b.ID), models.StatusFailed)
}
