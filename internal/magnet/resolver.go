package magnet

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// video file extensions recognized inside a torrent
var videoExtensions = []string{".mp4", ".mkv", ".avi", ".m4v", ".mov", ".ts"}

// IsMagnet reports whether the source is a magnet link.
func IsMagnet(source string) bool {
	return strings.HasPrefix(source, "magnet:")
}

// Resolver turns a magnet link into a plain HTTP source by downloading the
// torrent and exposing its video file through a loopback file server. Only
// one torrent may be active per transcoder instance: resolving a new magnet
// tears down the previous client and its server first.
type Resolver struct {
	logger  zerolog.Logger
	dataDir string
	port    int

	mu     sync.Mutex
	client *torrent.Client
	server *http.Server
}

func New(dataDir string, port int) *Resolver {
	return &Resolver{
		logger:  log.With().Str("module", "magnet").Logger(),
		dataDir: dataDir,
		port:    port,
	}
}

// Resolve blocks until the torrent metadata is known and the file server is
// listening, then returns the HTTP URL of the torrent's video file.
func (r *Resolver) Resolve(ctx context.Context, magnetURI string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.teardown()

	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = r.dataDir

	client, err := torrent.NewClient(cfg)
	if err != nil {
		return "", fmt.Errorf("unable to start torrent client: %w", err)
	}

	r.logger.Info().Str("magnet", magnetURI).Msg("adding torrent")

	t, err := client.AddMagnet(magnetURI)
	if err != nil {
		client.Close()
		return "", fmt.Errorf("unable to add magnet: %w", err)
	}

	select {
	case <-t.GotInfo():
	case <-ctx.Done():
		client.Close()
		return "", ctx.Err()
	}

	file, index := pickVideoFile(t)
	if file == nil {
		client.Close()
		return "", fmt.Errorf("torrent has no video files")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", r.port))
	if err != nil {
		client.Close()
		return "", fmt.Errorf("unable to listen for torrent file server: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		reader := file.NewReader()
		defer reader.Close()

		http.ServeContent(w, req, file.DisplayPath(), time.Time{}, reader)
	})

	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(listener); err != http.ErrServerClosed {
			r.logger.Err(err).Msg("torrent file server stopped")
		}
	}()

	r.client = client
	r.server = server

	streamURL := fmt.Sprintf("http://127.0.0.1:%d/%d/%s", r.port, index, url.PathEscape(file.DisplayPath()))
	r.logger.Info().Str("url", streamURL).Msg("torrent ready")

	return streamURL, nil
}

// Close tears down the active torrent, if any.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.teardown()
}

func (r *Resolver) teardown() {
	if r.server != nil {
		r.logger.Info().Msg("closing previous torrent file server")
		_ = r.server.Close()
		r.server = nil
	}

	if r.client != nil {
		r.logger.Info().Msg("closing previous torrent client")
		r.client.Close()
		r.client = nil
	}
}

// pickVideoFile selects the largest file with a known video extension.
func pickVideoFile(t *torrent.Torrent) (*torrent.File, int) {
	var best *torrent.File
	bestIndex := -1

	for i, file := range t.Files() {
		if !hasVideoExtension(file.DisplayPath()) {
			continue
		}
		if best == nil || file.Length() > best.Length() {
			best = file
			bestIndex = i
		}
	}

	return best, bestIndex
}

func hasVideoExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range videoExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
