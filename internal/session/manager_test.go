package session

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kortv/transcoder/pkg/encode"
)

// streamingEncoder writes a script that emits data and then blocks until
// interrupted, like a live encode.
func streamingEncoder(t *testing.T) string {
	t.Helper()

	script := filepath.Join(t.TempDir(), "fake-ffmpeg-live")
	body := "#!/bin/sh\necho ts-data\nsleep 60\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0755))

	return script
}

func TestPrimarySupersede(t *testing.T) {
	m, _ := newTestManager(t, nil)
	script := streamingEncoder(t)

	h1, err := m.startPrimary(m.logger, encode.Options{FFmpegBinary: script, Input: "first"})
	require.NoError(t, err)

	h2, err := m.startPrimary(m.logger, encode.Options{FFmpegBinary: script, Input: "second"})
	require.NoError(t, err)

	// the first subprocess is gone before the second one was spawned
	select {
	case <-h1.Done():
	default:
		t.Fatal("first encoder still running after being superseded")
	}

	select {
	case <-h2.Done():
		t.Fatal("second encoder exited prematurely")
	default:
	}

	m.releasePrimary(h2)
	select {
	case <-h2.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("released encoder did not exit")
	}
}

func TestLiveStreamSupersede(t *testing.T) {
	m, r := newTestManager(t, nil)
	m.config.FFmpegBinary = streamingEncoder(t)

	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()

	req1, err := http.NewRequestWithContext(ctx1, http.MethodGet, srv.URL+"/transcoder/transcode/first/-1/0/0", nil)
	require.NoError(t, err)
	res1, err := http.DefaultClient.Do(req1)
	require.NoError(t, err)
	defer res1.Body.Close()

	buf := make([]byte, 2)
	_, err = io.ReadFull(res1.Body, buf)
	require.NoError(t, err)

	m.primaryMu.Lock()
	h1 := m.primary
	m.primaryMu.Unlock()
	require.NotNil(t, h1)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	req2, err := http.NewRequestWithContext(ctx2, http.MethodGet, srv.URL+"/transcoder/transcode/second/-1/0/0", nil)
	require.NoError(t, err)
	res2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer res2.Body.Close()

	// once the second stream delivers bytes its encoder is running,
	// which may only happen after the first one was cancelled
	_, err = io.ReadFull(res2.Body, buf)
	require.NoError(t, err)

	select {
	case <-h1.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("first live encoder survived a second live request")
	}
}

func TestStreamClientDisconnect(t *testing.T) {
	m, r := newTestManager(t, nil)
	m.config.FFmpegBinary = streamingEncoder(t)

	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/transcoder/transcode/live/-1/0/0", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	buf := make([]byte, 2)
	_, err = io.ReadFull(res.Body, buf)
	require.NoError(t, err)

	m.primaryMu.Lock()
	handle := m.primary
	m.primaryMu.Unlock()
	require.NotNil(t, handle)

	// client goes away, the subprocess must follow
	cancel()

	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("encoder still running after client disconnect")
	}
}
