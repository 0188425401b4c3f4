package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kortv/transcoder/internal/utils"
)

const (
	pingAttempts = 4
	pingDelay    = 500 * time.Millisecond
)

// Client forwards encoding work to a remote transcoder instance. When a
// local forward-proxy port is configured, every request is bounced through
// it so the remote sees an allow-listed origin address.
type Client struct {
	logger  zerolog.Logger
	baseURL string
	http    *http.Client
}

func New(baseURL string, proxyPort int) *Client {
	transport := http.DefaultTransport
	if proxyPort > 0 {
		proxyURL := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", proxyPort)}
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	return &Client{
		logger:  log.With().Str("module", "remote").Str("url", baseURL).Logger(),
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// BaseURL is the remote transcoder's base address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping wakes the remote up and returns its reply. The remote may be a cold
// process behind a sleeping host, so the ping is retried with a delay
// before giving up.
func (c *Client) Ping(ctx context.Context) (string, error) {
	var reply string

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transcoder/ping", nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}

			res, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer res.Body.Close()

			if res.StatusCode != http.StatusOK {
				return fmt.Errorf("remote replied with status %d", res.StatusCode)
			}

			body, err := io.ReadAll(res.Body)
			if err != nil {
				return err
			}

			reply = string(body)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(pingAttempts),
		retry.Delay(pingDelay),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn().Uint("attempt", n).Err(err).Msg("remote ping failed, retrying")
		}),
	)
	if err != nil {
		return "", err
	}

	c.logger.Info().Str("reply", reply).Msg("remote transcoder is awake")
	return reply, nil
}

// TranscodeURL addresses one unit of work on the remote instance.
func (c *Client) TranscodeURL(source string, start, duration float64, proxyPort int) string {
	return fmt.Sprintf("%s/transcoder/transcode/%s/%s/%s/%d",
		c.baseURL,
		url.PathEscape(source),
		utils.FormatSeconds(start),
		utils.FormatSeconds(duration),
		proxyPort,
	)
}
