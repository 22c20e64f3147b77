// Package httpcall provides the "http" executable: an HTTP request per fire.
//
// Data keys:
//
//	url            required, absolute http(s) URL
//	method         default GET
//	body           request body
//	content_type   Content-Type header when body is set
//	header.<Name>  extra request header
//	expect_status  comma separated accepted codes; default any 2xx
//
// 5xx responses are retried by the executor; 429 honours Retry-After; other
// unexpected statuses are permanent.
package httpcall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cronkeeper/internal/job"
	"cronkeeper/internal/task/engine"
	"cronkeeper/pkg/logx"
)

const (
	ID          = "http"
	headerPfx   = "header."
	maxBodyRead = 2048
)

var ErrURLRequired = errors.New("httpcall: url is required")

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is returned for responses outside the accepted set.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

type Job struct {
	client Doer
	method string
	url    string
	body   string
	header http.Header
	expect map[int]bool
	log    logx.Logger
}

func New(data job.Data, client Doer, log logx.Logger) (*Job, error) {
	raw := strings.TrimSpace(data.Get("url"))
	if raw == "" {
		return nil, ErrURLRequired
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("httpcall: invalid url %q", raw)
	}
	if client == nil {
		client = http.DefaultClient
	}

	j := &Job{
		client: client,
		method: strings.ToUpper(data.GetOr("method", http.MethodGet)),
		url:    u.String(),
		body:   data.Get("body"),
		header: http.Header{},
		log:    log,
	}
	for k, v := range data {
		if name, ok := strings.CutPrefix(k, headerPfx); ok && name != "" {
			j.header.Set(name, v)
		}
	}
	if ct := strings.TrimSpace(data.Get("content_type")); ct != "" && j.body != "" {
		j.header.Set("Content-Type", ct)
	}
	if es := strings.TrimSpace(data.Get("expect_status")); es != "" {
		j.expect = map[int]bool{}
		for _, part := range strings.Split(es, ",") {
			code, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || code < 100 || code > 599 {
				return nil, fmt.Errorf("httpcall: invalid expect_status %q", es)
			}
			j.expect[code] = true
		}
	}
	return j, nil
}

func (j *Job) accepted(code int) bool {
	if j.expect != nil {
		return j.expect[code]
	}
	return code >= 200 && code < 300
}

func (j *Job) Execute(ctx context.Context) error {
	var body io.Reader
	if j.body != "" {
		body = strings.NewReader(j.body)
	}
	req, err := http.NewRequestWithContext(ctx, j.method, j.url, body)
	if err != nil {
		return engine.NoRetry(fmt.Errorf("httpcall: %w", err))
	}
	req.Header = j.header.Clone()

	start := time.Now()
	resp, err := j.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("httpcall: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyRead))
	_, _ = io.Copy(io.Discard, resp.Body)

	j.log.Debug("http call finished",
		logx.String("method", j.method),
		logx.String("url", j.url),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)
	if j.accepted(resp.StatusCode) {
		return nil
	}

	serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return engine.RetryAfter(serr, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case resp.StatusCode >= 500:
		return serr
	default:
		return engine.NoRetry(serr)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
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

// Register adds the http executable to r. A nil client uses a client with
// no overall timeout; the per-job timeout bounds each call.
func Register(r *job.Registry, client Doer, log logx.Logger) error {
	log = log.With(logx.String("executable", ID))
	return r.Register(ID, func(data job.Data) (job.Job, error) {
		j, err := New(data, client, log)
		if err != nil {
			return nil, err
		}
		return j, nil
	})
}
