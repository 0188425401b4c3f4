package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/rs/zerolog"
)

type logformatter struct {
	logger zerolog.Logger
}

func (l *logformatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	e := &logentry{
		logger: l.logger,
		start:  time.Now(),
	}

	e.req.id = middleware.GetReqID(r.Context())
	e.req.method = r.Method
	e.req.uri = r.RequestURI
	e.req.remote = r.RemoteAddr
	e.req.agent = r.UserAgent()

	return e
}

type logentry struct {
	logger zerolog.Logger
	start  time.Time

	req struct {
		id     string
		method string
		uri    string
		remote string
		agent  string
	}
}

func (e *logentry) Write(status, bytes int, header http.Header, elapsed time.Duration, extra interface{}) {
	e.logger.Debug().
		Str("id", e.req.id).
		Str("method", e.req.method).
		Str("uri", e.req.uri).
		Str("remote", e.req.remote).
		Str("agent", e.req.agent).
		Int("status", status).
		Int("bytes", bytes).
		Dur("elapsed", elapsed).
		Msg("request complete")
}

func (e *logentry) Panic(v interface{}, stack []byte) {
	e.logger.Error().
		Str("id", e.req.id).
		Str("uri", e.req.uri).
		Interface("panic", v).
		Bytes("stack", stack).
		Msg("request panicked")
}
