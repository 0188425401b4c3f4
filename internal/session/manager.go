package session

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kortv/transcoder/internal/magnet"
	"github.com/kortv/transcoder/internal/metrics"
	"github.com/kortv/transcoder/internal/remote"
	"github.com/kortv/transcoder/internal/segments"
	"github.com/kortv/transcoder/internal/utils"
	"github.com/kortv/transcoder/pkg/codec"
	"github.com/kortv/transcoder/pkg/encode"
	"github.com/kortv/transcoder/pkg/probe"
)

// how long to wait for a superseded primary encoder to die
const primarySwapTimeout = 5 * time.Second

// Prober yields media descriptors for source URLs.
type Prober interface {
	Probe(ctx context.Context, url string, opts probe.Options) *probe.MediaInfo
}

// MagnetResolver turns magnet links into plain HTTP sources.
type MagnetResolver interface {
	Resolve(ctx context.Context, magnetURI string) (string, error)
	Close()
}

type Mode string

const (
	ModeLive    Mode = "live"
	ModeVOD     Mode = "vod"
	ModeTorrent Mode = "torrent"
)

// Session is one client's playback of one source.
type Session struct {
	ID     string
	Origin string // source as requested, possibly a magnet link
	Source string // effective source used for probing and encoding
	Mode   Mode
	Proxy  string // forward proxy for outbound fetches, empty for none
	Info   *probe.MediaInfo

	store *segments.Store

	mu        sync.Mutex
	lastIndex int
}

type Config struct {
	FFmpegBinary   string
	EncoderDebug   bool
	TmpDir         string
	ChunkDuration  float64
	MaxLiveEntries int
	KeepWindow     int
	SegmentTimeout time.Duration
}

// ManagerCtx orchestrates playback sessions: it drives the prober, codec
// policy, playlist builders and either local encoder handles or the remote
// delegation client. All caches are instance state guarded by locks, there
// is no package-level mutable state.
type ManagerCtx struct {
	logger  zerolog.Logger
	config  Config
	prober  Prober
	remote  *remote.Client // nil unless delegation is configured
	magnet  MagnetResolver
	metrics *metrics.Metrics

	sessionsMu sync.Mutex
	sessions   map[string]*Session

	primaryMu    sync.Mutex
	primary      *encode.Handle
	remotePinged bool
}

func New(config Config, prober Prober, remoteClient *remote.Client, magnetResolver MagnetResolver, m *metrics.Metrics) *ManagerCtx {
	if config.ChunkDuration <= 0 {
		config.ChunkDuration = 10
	}
	if config.MaxLiveEntries <= 0 {
		config.MaxLiveEntries = 4 * 3600
	}
	if config.KeepWindow <= 0 {
		config.KeepWindow = 5
	}
	if config.SegmentTimeout <= 0 {
		config.SegmentTimeout = 60 * time.Second
	}

	return &ManagerCtx{
		logger:   log.With().Str("module", "session").Logger(),
		config:   config,
		prober:   prober,
		remote:   remoteClient,
		magnet:   magnetResolver,
		metrics:  m,
		sessions: map[string]*Session{},
	}
}

// Shutdown cancels the primary encoder and reclaims all session state.
func (m *ManagerCtx) Shutdown() {
	m.primaryMu.Lock()
	if m.primary != nil {
		m.primary.Cancel()
		m.primary = nil
	}
	m.primaryMu.Unlock()

	m.sessionsMu.Lock()
	for _, sess := range m.sessions {
		if sess.store != nil {
			sess.store.Close()
		}
	}
	m.sessions = map[string]*Session{}
	m.sessionsMu.Unlock()

	if m.magnet != nil {
		m.magnet.Close()
	}
}

// obtainSession maps a playback request to a session, creating one when the
// supplied identity is unknown or bound to a different source/proxy pairing.
func (m *ManagerCtx) obtainSession(ctx context.Context, id string, origin string, proxy string) (*Session, error) {
	m.sessionsMu.Lock()
	if sess, ok := m.sessions[id]; ok && sess.Origin == origin && sess.Proxy == proxy {
		m.sessionsMu.Unlock()
		return sess, nil
	}
	m.sessionsMu.Unlock()

	source := origin
	mode := ModeVOD

	if magnet.IsMagnet(origin) {
		if m.magnet == nil {
			return nil, fmt.Errorf("magnet sources are not enabled")
		}

		resolved, err := m.magnet.Resolve(ctx, origin)
		if err != nil {
			return nil, fmt.Errorf("unable to resolve magnet: %w", err)
		}

		source = resolved
		mode = ModeTorrent
	}

	info := m.prober.Probe(ctx, source, probe.Options{Proxy: proxy})
	if info.IsLive() {
		if m.metrics != nil && mode != ModeTorrent {
			m.metrics.IncProbeFailures()
		}
		if mode == ModeVOD {
			mode = ModeLive
		}
	}

	sess := &Session{
		ID:     id,
		Origin: origin,
		Source: source,
		Mode:   mode,
		Proxy:  proxy,
		Info:   info,
	}

	if id == "" {
		sess.ID = uuid.NewString()
	}

	if !info.IsLive() {
		store, err := segments.New(sess.ID, m.config.TmpDir, m.config.SegmentTimeout)
		if err != nil {
			return nil, err
		}
		sess.store = store
	}

	m.sessionsMu.Lock()
	if old, ok := m.sessions[sess.ID]; ok && old.store != nil {
		old.store.Close()
	}
	m.sessions[sess.ID] = sess
	count := len(m.sessions)
	m.sessionsMu.Unlock()

	if m.metrics != nil {
		m.metrics.SetActiveSessions(count)
	}

	m.logger.Info().
		Str("session", sess.ID).
		Str("source", sess.Source).
		Str("mode", string(sess.Mode)).
		Str("proxy", sess.Proxy).
		Msg("session created")

	return sess, nil
}

func (m *ManagerCtx) getSession(id string) (*Session, bool) {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()

	sess, ok := m.sessions[id]
	return sess, ok
}

// startPrimary spawns the live encoder, superseding any currently running
// one. The previous subprocess is cancelled and waited out before the new
// one starts, which bounds the instance to a single live encode.
func (m *ManagerCtx) startPrimary(logger zerolog.Logger, opts encode.Options) (*encode.Handle, error) {
	m.primaryMu.Lock()
	defer m.primaryMu.Unlock()

	if m.primary != nil {
		logger.Info().Msg("superseding current primary stream")
		m.primary.Cancel()

		select {
		case <-m.primary.Done():
		case <-time.After(primarySwapTimeout):
			logger.Warn().Msg("superseded encoder did not exit in time")
		}

		m.primary = nil
	}

	handle, err := encode.Start(logger, opts)
	if err != nil {
		return nil, err
	}

	m.primary = handle
	return handle, nil
}

// releasePrimary cancels the handle and drops the primary reference if the
// handle still owns it.
func (m *ManagerCtx) releasePrimary(handle *encode.Handle) {
	handle.Cancel()

	m.primaryMu.Lock()
	if m.primary == handle {
		m.primary = nil
	}
	m.primaryMu.Unlock()
}

// produceSegment returns the producer that materializes one VOD segment of
// the given session via an encoder subprocess.
func (m *ManagerCtx) produceSegment(sess *Session, key segments.Key) segments.ProduceFunc {
	return func(ctx context.Context, segmentPath string) error {
		logger := m.logger.With().
			Str("session", sess.ID).
			Str("segment", key.FileName()).
			Logger()

		decision := codec.NeedsTranscode(sess.Info.VideoCodecs, sess.Info.AudioCodecs)

		handle, err := encode.Start(logger, encode.Options{
			FFmpegBinary: m.config.FFmpegBinary,
			Input:        sess.Source,
			StartOffset:  key.Start,
			Duration:     key.Duration,
			Proxy:        sess.Proxy,
			Transcode:    decision,
			OutputPath:   segmentPath,
			Debug:        m.config.EncoderDebug,
		})
		if err != nil {
			return err
		}

		if m.metrics != nil {
			m.metrics.IncEncodes()
			m.metrics.EncodeStarted()
			defer m.metrics.EncodeFinished()
		}

		defer handle.Cancel()

		select {
		case <-handle.Done():
			return handle.Err()
		case <-ctx.Done():
			handle.Cancel()
			<-handle.Done()
			return ctx.Err()
		}
	}
}

// afterSegment advances the session position, prefetches the next segment
// and reclaims files that fell out of the keep window.
func (m *ManagerCtx) afterSegment(sess *Session, key segments.Key) {
	sess.mu.Lock()
	sess.lastIndex = key.Index(m.config.ChunkDuration)
	sess.mu.Unlock()

	next := key.Next()
	if sess.Info.Duration != nil {
		remaining := *sess.Info.Duration - next.Start
		if remaining > 0 {
			if remaining < next.Duration {
				next.Duration = remaining
			}
			sess.store.Prefetch(next, m.produceSegment(sess, next))
		}
	}

	sess.store.Cleanup(key, m.config.KeepWindow, m.config.ChunkDuration)
}

// tmpFolderName is the playlist-visible name of the segment folder.
func (m *ManagerCtx) tmpFolderName() string {
	return path.Base(m.config.TmpDir)
}

// localSegmentURL addresses a VOD segment served by this instance.
func (m *ManagerCtx) localSegmentURL(key segments.Key) string {
	return fmt.Sprintf("/transcoder/%s/%s", m.tmpFolderName(), key.FileName())
}

// localTranscodeURL addresses a raw transcode stream on this instance.
func localTranscodeURL(source string, start, duration float64, proxyPort int) string {
	return fmt.Sprintf("/transcoder/transcode/%s/%s/%s/%d",
		url.PathEscape(source),
		utils.FormatSeconds(start),
		utils.FormatSeconds(duration),
		proxyPort,
	)
}

// wakeRemote issues the one-time liveness ping before the first delegated
// fetch; the remote may be a cold process that needs a moment to come up.
func (m *ManagerCtx) wakeRemote() {
	m.primaryMu.Lock()
	pinged := m.remotePinged
	m.remotePinged = true
	m.primaryMu.Unlock()

	if pinged {
		return
	}

	go func() {
		if _, err := m.remote.Ping(context.Background()); err != nil {
			m.logger.Warn().Err(err).Msg("remote transcoder did not answer wake-up ping")
		}
	}()
}
