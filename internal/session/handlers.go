package session

import (
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/kortv/transcoder/internal/segments"
	"github.com/kortv/transcoder/internal/utils"
	"github.com/kortv/transcoder/pkg/codec"
	"github.com/kortv/transcoder/pkg/encode"
	"github.com/kortv/transcoder/pkg/hls"
	"github.com/kortv/transcoder/pkg/probe"
)

const (
	sessionCookieName = "session-id"
	streamMimeType    = "video/MP2T"
)

func (m *ManagerCtx) Mount(r chi.Router) {
	r.Get("/ping", m.ping)
	r.Get("/live/{source}/{proxyPort}", m.livePlaylist)
	r.Get("/vod/{source}/{proxyPort}", m.vodPlaylist)
	r.Get("/transcode/{source}/{start}/{duration}/{proxyPort}", m.stream)
	r.Post("/transcode/{source}/{start}/{duration}/{proxyPort}", m.stream)
	r.Get("/{tmpFolder}/{segmentFile}", m.segment)
}

// ping replies pong and, when delegation is configured, wakes the remote
// transcoder up along the way.
func (m *ManagerCtx) ping(w http.ResponseWriter, r *http.Request) {
	if m.remote != nil {
		if _, err := m.remote.Ping(r.Context()); err != nil {
			m.logger.Warn().Err(err).Msg("remote transcoder ping failed")
		}
	}

	//nolint
	w.Write([]byte("pong"))
}

func (m *ManagerCtx) livePlaylist(w http.ResponseWriter, r *http.Request) {
	source, proxyPort, ok := m.playlistParams(w, r)
	if !ok {
		return
	}

	proxy := resolveProxy(r, proxyPort)
	sess, err := m.obtainSession(r.Context(), requestSessionID(r), source, proxy)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	setSessionCookie(w, sess.ID)
	m.writeLivePlaylist(w, sess, proxyPort)
}

func (m *ManagerCtx) vodPlaylist(w http.ResponseWriter, r *http.Request) {
	source, proxyPort, ok := m.playlistParams(w, r)
	if !ok {
		return
	}

	proxy := resolveProxy(r, proxyPort)
	sess, err := m.obtainSession(r.Context(), requestSessionID(r), source, proxy)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	setSessionCookie(w, sess.ID)

	// sources with unknown duration degrade to endless live playback
	if sess.Info.IsLive() {
		m.writeLivePlaylist(w, sess, proxyPort)
		return
	}

	segmentURL := func(start, duration float64) string {
		return m.localSegmentURL(segments.Key{Start: start, Duration: duration})
	}

	if m.remote != nil {
		segmentURL = func(start, duration float64) string {
			return m.remote.TranscodeURL(sess.Source, start, duration, proxyPort)
		}
		m.wakeRemote()

		if m.metrics != nil {
			m.metrics.IncDelegatedPlaylists()
		}
	}

	playlist := hls.VOD(*sess.Info.Duration, m.config.ChunkDuration, segmentURL)

	w.Header().Set("Content-Type", hls.MimeType)
	//nolint
	w.Write([]byte(playlist))
}

func (m *ManagerCtx) writeLivePlaylist(w http.ResponseWriter, sess *Session, proxyPort int) {
	segmentURL := localTranscodeURL(sess.Source, -1, 0, proxyPort)
	if m.remote != nil {
		segmentURL = m.remote.TranscodeURL(sess.Source, -1, 0, proxyPort)
		m.wakeRemote()

		if m.metrics != nil {
			m.metrics.IncDelegatedPlaylists()
		}
	}

	playlist := hls.Live(segmentURL, m.config.MaxLiveEntries)

	w.Header().Set("Content-Type", hls.MimeType)
	//nolint
	w.Write([]byte(playlist))
}

// stream pipes one encoder run to the response. A negative start offset
// selects live mode, which claims the instance-wide primary encoder slot.
func (m *ManagerCtx) stream(w http.ResponseWriter, r *http.Request) {
	source, err := url.PathUnescape(chi.URLParam(r, "source"))
	if err != nil || source == "" {
		http.Error(w, "invalid source", http.StatusBadRequest)
		return
	}

	start, err := strconv.ParseFloat(chi.URLParam(r, "start"), 64)
	if err != nil {
		http.Error(w, "invalid start offset", http.StatusBadRequest)
		return
	}

	duration, err := strconv.ParseFloat(chi.URLParam(r, "duration"), 64)
	if err != nil {
		http.Error(w, "invalid duration", http.StatusBadRequest)
		return
	}

	proxyPort, err := strconv.Atoi(chi.URLParam(r, "proxyPort"))
	if err != nil {
		http.Error(w, "invalid proxy port", http.StatusBadRequest)
		return
	}

	proxy := resolveProxy(r, proxyPort)
	live := start < 0

	info := m.prober.Probe(r.Context(), source, probe.Options{Proxy: proxy})
	decision := codec.NeedsTranscode(info.VideoCodecs, info.AudioCodecs)

	logger := m.logger.With().
		Str("source", source).
		Bool("live", live).
		Logger()

	opts := encode.Options{
		FFmpegBinary: m.config.FFmpegBinary,
		Input:        source,
		StartOffset:  start,
		Duration:     duration,
		Proxy:        proxy,
		Transcode:    decision,
		Debug:        m.config.EncoderDebug,
	}

	var handle *encode.Handle
	if live {
		handle, err = m.startPrimary(logger, opts)
	} else {
		handle, err = encode.Start(logger, opts)
	}
	if err != nil {
		logger.Err(err).Msg("unable to start encoder")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if live {
		defer m.releasePrimary(handle)
	} else {
		defer handle.Cancel()
	}

	if m.metrics != nil {
		m.metrics.IncEncodes()
		m.metrics.EncodeStarted()
		defer m.metrics.EncodeFinished()
	}

	// client disconnect tears the subprocess down
	go func() {
		select {
		case <-r.Context().Done():
			handle.Cancel()
		case <-handle.Done():
		}
	}()

	w.Header().Set("Content-Type", streamMimeType)
	w.WriteHeader(http.StatusOK)

	if err := utils.FlushCopy(w, handle.Output()); err != nil {
		logger.Debug().Err(err).Msg("stream copy ended")
	}
}

// segment serves one VOD segment, encoding it on demand. The session is
// identified by the session-id cookie or header set by the playlist
// endpoints.
func (m *ManagerCtx) segment(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "tmpFolder") != m.tmpFolderName() {
		http.NotFound(w, r)
		return
	}

	sess, ok := m.getSession(requestSessionID(r))
	if !ok || sess.store == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	key, ok := segments.ParseFileName(chi.URLParam(r, "segmentFile"))
	if !ok {
		http.Error(w, "invalid segment name", http.StatusBadRequest)
		return
	}

	segmentPath, err := sess.store.Ensure(r.Context(), key, m.produceSegment(sess, key))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if m.metrics != nil {
		m.metrics.IncSegmentsServed()
	}

	w.Header().Set("Content-Type", streamMimeType)
	http.ServeFile(w, r, segmentPath)

	m.afterSegment(sess, key)
}

// playlistParams extracts the urlencoded source and the proxy port shared by
// both playlist endpoints.
func (m *ManagerCtx) playlistParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	source, err := url.PathUnescape(chi.URLParam(r, "source"))
	if err != nil || source == "" {
		http.Error(w, "invalid source", http.StatusBadRequest)
		return "", 0, false
	}

	proxyPort, err := strconv.Atoi(chi.URLParam(r, "proxyPort"))
	if err != nil {
		http.Error(w, "invalid proxy port", http.StatusBadRequest)
		return "", 0, false
	}

	return source, proxyPort, true
}

// resolveProxy builds the forward proxy URL from the requester's address and
// the advertised port. Port 0 disables proxying.
func resolveProxy(r *http.Request, proxyPort int) string {
	if proxyPort <= 0 {
		return ""
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	return "http://" + net.JoinHostPort(host, strconv.Itoa(proxyPort))
}

func requestSessionID(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	return r.Header.Get(sessionCookieName)
}

func setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:  sessionCookieName,
		Value: id,
		Path:  "/",
	})
}
