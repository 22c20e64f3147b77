package httpcall

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cronkeeper/internal/job"
	"cronkeeper/internal/task/engine"
	"cronkeeper/pkg/logx"
)

func TestNewValidates(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		data job.Data
	}{
		{"missing url", job.Data{}},
		{"relative url", job.Data{"url": "/ping"}},
		{"ftp", job.Data{"url": "ftp://example.com"}},
		{"bad expect", job.Data{"url": "http://x", "expect_status": "ok"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tc.data, nil, logx.Nop()); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestExecuteStatuses(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			if r.Header.Get("X-Token") != "abc" || r.Method != http.MethodPost {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			b, _ := io.ReadAll(r.Body)
			if string(b) != `{"a":1}` {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case "/busy":
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/down":
			w.WriteHeader(http.StatusBadGateway)
		case "/accepted":
			w.WriteHeader(http.StatusAccepted)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	run := func(data job.Data) error {
		t.Helper()
		j, err := New(data, srv.Client(), logx.Nop())
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		return j.Execute(context.Background())
	}

	if err := run(job.Data{
		"url": srv.URL + "/ok", "method": "post", "body": `{"a":1}`,
		"content_type": "application/json", "header.X-Token": "abc",
	}); err != nil {
		t.Fatalf("ok: %v", err)
	}

	err := run(job.Data{"url": srv.URL + "/busy"})
	var ra engine.RetryAfterError
	if !errors.As(err, &ra) || ra.RetryAfter() != 7*time.Second {
		t.Fatalf("busy: want retry-after 7s, got %v", err)
	}

	err = run(job.Data{"url": srv.URL + "/down"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway || engine.IsNoRetry(err) {
		t.Fatalf("down: want retryable 502, got %v", err)
	}

	err = run(job.Data{"url": srv.URL + "/missing"})
	if !engine.IsNoRetry(err) {
		t.Fatalf("missing: want permanent error, got %v", err)
	}

	if err := run(job.Data{"url": srv.URL + "/accepted", "expect_status": "202, 204"}); err != nil {
		t.Fatalf("accepted: %v", err)
	}
	if err := run(job.Data{"url": srv.URL + "/ok", "expect_status": "200"}); err == nil {
		t.Fatalf("400 should not match expect_status 200")
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"-5", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"garbage", 0},
	}
	for _, tc := range cases {
		if got := parseRetryAfter(tc.in, now); got != tc.want {
			t.Fatalf("parseRetryAfter(%q)=%s want %s", tc.in, got, tc.want)
		}
	}
}
