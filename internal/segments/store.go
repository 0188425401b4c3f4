package segments

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ProduceFunc materializes one segment at the given path. It must block
// until the file is complete or return the failure.
type ProduceFunc func(ctx context.Context, path string) error

// Store manages the on-disk segment files of one playback session. At most
// one producer runs per segment key; concurrent requests for the same key
// wait on the first producer's completion signal instead of spawning a
// duplicate encoder.
type Store struct {
	logger  zerolog.Logger
	dir     string
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[string]*task
}

type task struct {
	done chan struct{}
	err  error
}

func New(sessionID string, baseDir string, timeout time.Duration) (*Store, error) {
	dir := path.Join(baseDir, sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("unable to create segment directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Store{
		logger:   log.With().Str("module", "segments").Str("session", sessionID).Logger(),
		dir:      dir,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
		inflight: map[string]*task{},
	}, nil
}

// Dir is the session's segment directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path is the target path of a segment, whether or not it exists yet.
func (s *Store) Path(key Key) string {
	return path.Join(s.dir, key.FileName())
}

// Ensure returns the path of a materialized segment, producing it first if
// needed. The call blocks until the segment exists, the producer fails, the
// caller's context is cancelled or the store timeout elapses.
func (s *Store) Ensure(ctx context.Context, key Key, produce ProduceFunc) (string, error) {
	segmentPath := s.Path(key)
	name := key.FileName()

	s.mu.Lock()
	t, running := s.inflight[name]
	if !running {
		if _, err := os.Stat(segmentPath); err == nil {
			s.mu.Unlock()
			return segmentPath, nil
		}

		t = &task{done: make(chan struct{})}
		s.inflight[name] = t
		go s.run(t, name, segmentPath, produce)
	}
	s.mu.Unlock()

	select {
	case <-t.done:
		if t.err != nil {
			return "", t.err
		}
		return segmentPath, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.ctx.Done():
		return "", fmt.Errorf("segment store closed")
	case <-time.After(s.timeout):
		return "", fmt.Errorf("timeout waiting for segment %s", name)
	}
}

// Prefetch materializes a segment in the background so it is ready by the
// time the client asks for it. Failures are logged, never surfaced.
func (s *Store) Prefetch(key Key, produce ProduceFunc) {
	name := key.FileName()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.inflight[name]; running {
		return
	}
	if _, err := os.Stat(s.Path(key)); err == nil {
		return
	}

	s.logger.Debug().Str("segment", name).Msg("prefetching segment")

	t := &task{done: make(chan struct{})}
	s.inflight[name] = t
	go s.run(t, name, s.Path(key), produce)
}

// run executes the producer and broadcasts its outcome to every waiter.
func (s *Store) run(t *task, name string, segmentPath string, produce ProduceFunc) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	err := produce(ctx, segmentPath)
	if err != nil {
		s.logger.Warn().Err(err).Str("segment", name).Msg("segment production failed")

		// do not leave partial output behind, it would be served as a hit
		if rmErr := os.Remove(segmentPath); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Err(rmErr).Str("segment", name).Msg("unable to remove partial segment")
		}
	}

	t.err = err
	close(t.done)

	s.mu.Lock()
	delete(s.inflight, name)
	s.mu.Unlock()
}

// Cleanup removes segment files trailing more than twice the keep window
// behind the currently served position. Deletion failures are logged, not
// fatal.
func (s *Store) Cleanup(current Key, keepWindow int, chunkDuration float64) {
	threshold := current.Index(chunkDuration) - 2*keepWindow

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Err(err).Msg("unable to list segment directory")
		return
	}

	for _, entry := range entries {
		key, ok := ParseFileName(entry.Name())
		if !ok {
			continue
		}

		if key.Index(chunkDuration) > threshold {
			continue
		}

		s.mu.Lock()
		_, running := s.inflight[entry.Name()]
		s.mu.Unlock()
		if running {
			continue
		}

		if err := os.Remove(path.Join(s.dir, entry.Name())); err != nil {
			s.logger.Err(err).Str("segment", entry.Name()).Msg("unable to remove stale segment")
		} else {
			s.logger.Debug().Str("segment", entry.Name()).Msg("removed stale segment")
		}
	}
}

// Close stops all producers and removes the session's segment files.
func (s *Store) Close() {
	s.cancel()

	if err := os.RemoveAll(s.dir); err != nil {
		s.logger.Err(err).Msg("unable to remove segment directory")
	}
}
