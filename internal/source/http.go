package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"spotprice-engine/internal/version"
)

const maxBodyBytes = 8 << 20

// httpGetter is the shared transport of the HTTP adapters.
type httpGetter struct {
	id        string
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	logger    zerolog.Logger
}

func newHTTPGetter(id string, opts Options, logger zerolog.Logger) *httpGetter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 2
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = version.UserAgent()
	}
	return &httpGetter{
		id:        id,
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		userAgent: ua,
		logger:    logger,
	}
}

// get performs a paced GET and classifies non-2xx answers.
// A 204 or 404 yields (nil, ErrNoData).
func (g *httpGetter) get(ctx context.Context, endpoint string, header http.Header) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, NewError(KindTimeout, g.id, fmt.Errorf("wait for request slot: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, NewError(KindUnknown, g.id, err)
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", g.userAgent)

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewError(KindTimeout, g.id, err)
		}
		return nil, NewError(KindTransport, g.id, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewError(KindTimeout, g.id, err)
		}
		return nil, NewError(KindTransport, g.id, fmt.Errorf("read body: %w", err))
	}

	g.logger.Debug().Str("url", redactQuery(endpoint)).Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).Int("bytes", len(body)).Msg("provider response")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		return body, nil
	}
	return nil, g.parseHTTPError(resp, body)
}

func (g *httpGetter) parseHTTPError(resp *http.Response, payload []byte) error {
	status := resp.StatusCode
	detail := strings.TrimSpace(string(payload))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	msg := fmt.Errorf("http %d", status)
	if detail != "" {
		msg = fmt.Errorf("http %d: %s", status, detail)
	}

	switch {
	case status == http.StatusNoContent || status == http.StatusNotFound:
		return NewError(KindNoData, g.id, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(KindAuthentication, g.id, msg)
	case status == http.StatusTooManyRequests:
		e := NewError(KindRateLimited, g.id, msg)
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return e
	case status == http.StatusRequestTimeout || status >= 500:
		return NewError(KindTransport, g.id, msg)
	default:
		return NewError(KindDataFormat, g.id, msg)
	}
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func redactQuery(endpoint string) string {
	if idx := strings.Index(endpoint, "securityToken="); idx >= 0 {
		end := strings.IndexByte(endpoint[idx:], '&')
		if end < 0 {
			return endpoint[:idx] + "securityToken=***"
		}
		return endpoint[:idx] + "securityToken=***" + endpoint[idx+end:]
	}
	return endpoint
}
