// Package rest implements the signed exchange REST client shared by the
// trading engine, the reconciler and the stream supervisor.
package rest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/tradepilot/errs"
	"github.com/coachpo/tradepilot/internal/domain/account"
	"github.com/coachpo/tradepilot/internal/observability"
)

const (
	exchangeName = "mexc"
	apiKeyHeader = "X-MEXC-APIKEY"

	defaultBaseURL        = "https://api.mexc.com"
	defaultRecvWindow     = 5 * time.Second
	defaultTimeout        = 10 * time.Second
	defaultOrderTimeout   = 25 * time.Second
	defaultMaxRetries     = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultClockRefresh   = 5 * time.Minute
	defaultRequestsPerSec = 10
)

// Options configures a Transport. Zero values fall back to defaults.
type Options struct {
	BaseURL           string
	RecvWindow        time.Duration
	Timeout           time.Duration
	OrderTimeout      time.Duration
	MaxRetries        int
	InitialBackoff    time.Duration
	ClockRefresh      time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            observability.Logger
	Clock             func() time.Time
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.BaseURL) == "" {
		o.BaseURL = defaultBaseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.RecvWindow <= 0 {
		o.RecvWindow = defaultRecvWindow
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.OrderTimeout <= 0 {
		o.OrderTimeout = defaultOrderTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialBackoff
	}
	if o.ClockRefresh <= 0 {
		o.ClockRefresh = defaultClockRefresh
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = defaultRequestsPerSec
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	o.Logger = observability.OrNop(o.Logger)
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Transport holds the state shared across users: the HTTP client, the
// request limiter and the cached server clock offset.
type Transport struct {
	opts    Options
	limiter *rate.Limiter
	clock   *clockSync
	metrics *restMetrics
}

// NewTransport builds a Transport.
func NewTransport(opts Options) *Transport {
	opts = opts.withDefaults()
	burst := int(opts.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	t := &Transport{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst),
		metrics: newRestMetrics(),
	}
	t.clock = newClockSync(opts.ClockRefresh, opts.Clock, t.ServerTime, opts.Logger)
	return t
}

// Client returns a signed client for a user's credentials.
func (t *Transport) Client(creds account.Credentials) *Client {
	return &Client{t: t, creds: creds, useOffset: true}
}

// Client signs requests with one user's credentials. It is cheap to create
// and safe for concurrent use.
type Client struct {
	t         *Transport
	creds     account.Credentials
	useOffset bool
}

// WithoutClockOffset returns a copy that stamps requests with the local clock
// and never resyncs. The reconciler uses it as its fallback attempt.
func (c *Client) WithoutClockOffset() *Client {
	clone := *c
	clone.useOffset = false
	return &clone
}

type request struct {
	method  string
	path    string
	params  url.Values
	signed  bool
	timeout time.Duration
}

func (c *Client) do(ctx context.Context, req request, out any) error {
	return c.t.execute(ctx, req, c, out)
}

func (t *Transport) execute(ctx context.Context, req request, c *Client, out any) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.opts.InitialBackoff

	operation := func() (struct{}, error) {
		err := t.attempt(ctx, req, c, out)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errs.IsClockSkew(err) && c != nil && c.useOffset:
			t.opts.Logger.Warn("rest: timestamp outside recv window, resyncing clock",
				observability.F("path", req.path))
			if syncErr := t.clock.resync(ctx); syncErr != nil {
				t.opts.Logger.Warn("rest: clock resync failed", observability.Err(syncErr))
			}
			return struct{}{}, err
		case errs.IsTransient(err):
			t.opts.Logger.Debug("rest: transient failure",
				observability.F("path", req.path), observability.Err(err))
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(t.opts.MaxRetries+1)),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

func (t *Transport) attempt(ctx context.Context, req request, c *Client, out any) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	timeout := req.timeout
	if timeout <= 0 {
		timeout = t.opts.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	query := cloneValues(req.params)
	if req.signed {
		if c == nil || !c.creds.Valid() {
			return errs.New(exchangeName, errs.CodeAuth,
				errs.WithCategory(errs.CategoryAuth),
				errs.WithMessage("api credentials not configured"))
		}
		query.Set("recvWindow", strconv.FormatInt(t.opts.RecvWindow.Milliseconds(), 10))
		query.Set("timestamp", strconv.FormatInt(t.timestamp(callCtx, c.useOffset), 10))
	}

	// The signature covers the encoded query and must be the last parameter.
	encoded := query.Encode()
	if req.signed {
		encoded += "&signature=" + signPayload(encoded, c.creds.APISecret)
	}
	endpoint := t.opts.BaseURL + req.path
	if encoded != "" {
		endpoint += "?" + encoded
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create %s request: %w", req.path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.signed {
		httpReq.Header.Set(apiKeyHeader, c.creds.APIKey)
	}

	started := t.opts.Clock()
	resp, err := t.opts.HTTPClient.Do(httpReq)
	if err != nil {
		t.metrics.recordRequest(ctx, req.path, 0, "network", t.opts.Clock().Sub(started))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.New(exchangeName, errs.CodeNetwork,
			errs.WithMessage(req.method+" "+req.path),
			errs.WithVenueField("endpoint", req.path),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.metrics.recordRequest(ctx, req.path, resp.StatusCode, "network", t.opts.Clock().Sub(started))
		return errs.New(exchangeName, errs.CodeNetwork,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("read "+req.path+" response"),
			errs.WithVenueField("endpoint", req.path),
			errs.WithCause(err))
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := parseAPIError(resp.StatusCode, body)
		errs.WithVenueField("endpoint", req.path)(apiErr)
		t.metrics.recordRequest(ctx, req.path, resp.StatusCode, string(apiErr.Category), t.opts.Clock().Sub(started))
		return apiErr
	}
	t.metrics.recordRequest(ctx, req.path, resp.StatusCode, "", t.opts.Clock().Sub(started))

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.New(exchangeName, errs.CodeExchange,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("decode "+req.path+" response"),
			errs.WithRawMessage(truncate(string(body), 256)),
			errs.WithVenueField("endpoint", req.path),
			errs.WithCause(err))
	}
	return nil
}

func (t *Transport) timestamp(ctx context.Context, useOffset bool) int64 {
	now := t.opts.Clock()
	if useOffset {
		now = now.Add(t.clock.offset(ctx))
	}
	return now.UnixMilli()
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func parseAPIError(status int, body []byte) *errs.E {
	var payload apiError
	if err := json.Unmarshal(body, &payload); err == nil && (payload.Code != 0 || payload.Msg != "") {
		return errs.FromExchange(exchangeName, status, payload.Code, payload.Msg)
	}
	return errs.FromExchange(exchangeName, status, 0, truncate(strings.TrimSpace(string(body)), 256))
}

func signPayload(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func cloneValues(in url.Values) url.Values {
	out := make(url.Values, len(in)+2)
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
