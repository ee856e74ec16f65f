package healing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"forgemend/internal/artifact"
	"forgemend/internal/logging"
	"forgemend/internal/metrics"
)

// ErrSessionBusy means another session already holds the artifact. Surfaced
// to the caller immediately, never queued.
var ErrSessionBusy = errors.New("healing session already active for artifact")

const archiveTimeout = 5 * time.Second

// Archiver persists terminal sessions. Implemented by the store package.
type Archiver interface {
	Archive(ctx context.Context, st Status) error
}

// Coordinator serializes healing per artifact: at most one active session
// per artifact id, sharing the same write lock the build phase uses.
// Sessions run on the coordinator's own context, not the caller's: a session
// triggered over HTTP must outlive the request that started it.
type Coordinator struct {
	cfg    Config
	deps   Deps
	locker *artifact.Locker
	arch   Archiver
	log    *zap.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	active map[string]*Session // artifact id -> session
	byID   map[string]*Session // session id -> session, includes finished
}

// NewCoordinator wires the shared locker so sessions and graph runs exclude
// each other on the same artifact.
func NewCoordinator(cfg Config, deps Deps, locker *artifact.Locker, arch Archiver) *Coordinator {
	baseCtx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:     cfg,
		deps:    deps,
		locker:  locker,
		arch:    arch,
		log:     logging.Named("coordinator"),
		baseCtx: baseCtx,
		stop:    stop,
		active:  make(map[string]*Session),
		byID:    make(map[string]*Session),
	}
}

// Acquire atomically claims the artifact and starts a session goroutine.
// Fails fast with ErrSessionBusy when the artifact is already held, whether
// by another session or by a running build. The caller's context covers the
// acquire only; the session itself runs until terminal (or Shutdown).
func (c *Coordinator) Acquire(ctx context.Context, artifactID, callerID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.active[artifactID]; ok {
		metrics.Get().SessionBusyRejectsTotal.Inc()
		return nil, fmt.Errorf("%w: held by session %s", ErrSessionBusy, existing.ID)
	}

	s := NewSession(artifactID, callerID, c.cfg, c.deps)
	ok, holder := c.locker.TryAcquire(artifactID, "session:"+s.ID)
	if !ok {
		metrics.Get().SessionBusyRejectsTotal.Inc()
		return nil, fmt.Errorf("%w: held by %s", ErrSessionBusy, holder)
	}

	c.active[artifactID] = s
	c.byID[s.ID] = s
	c.log.Info("session acquired",
		zap.String("session_id", s.ID),
		zap.String("artifact_id", artifactID),
		zap.String("caller_id", callerID))

	go func() {
		final := s.Run(c.baseCtx)
		c.release(s)
		c.archive(s)
		c.log.Info("session finished",
			zap.String("session_id", s.ID),
			zap.String("state", string(final)))
	}()

	return s, nil
}

// release frees the artifact for the next writer.
func (c *Coordinator) release(s *Session) {
	c.mu.Lock()
	if c.active[s.ArtifactID] == s {
		delete(c.active, s.ArtifactID)
	}
	c.mu.Unlock()
	c.locker.Release(s.ArtifactID, "session:"+s.ID)
}

func (c *Coordinator) archive(s *Session) {
	if c.arch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := c.arch.Archive(ctx, s.Status()); err != nil {
		c.log.Error("session archive failed",
			zap.String("session_id", s.ID), zap.Error(err))
	}
}

// Get looks a session up by id, active or finished.
func (c *Coordinator) Get(sessionID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byID[sessionID]
	return s, ok
}

// GetByArtifact returns the active session for an artifact, if any.
func (c *Coordinator) GetByArtifact(artifactID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.active[artifactID]
	return s, ok
}

// ListActive snapshots all in-flight sessions.
func (c *Coordinator) ListActive() []Status {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.active))
	for _, s := range c.active {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	return out
}

// Shutdown cancels every active session. Each rolls back any in-flight
// apply and settles as aborted before its goroutine exits.
func (c *Coordinator) Shutdown() {
	c.stop()
}

// Abort cancels a session by id. Returns false when unknown.
func (c *Coordinator) Abort(sessionID string) bool {
	s, ok := c.Get(sessionID)
	if !ok {
		return false
	}
	s.Abort()
	return true
}
