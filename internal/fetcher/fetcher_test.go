package fetcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestFetchRawSuccessSendsAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("wallet_balance{account=\"a\",chain=\"c\",denom=\"uatom\"} 1\n"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{Timeout: time.Second}, noopLogger())
	body, err := f.FetchRaw(context.Background(), Request{URL: srv.URL, Auth: Auth{Mode: "bearer", Token: "s3cret"}})
	if err != nil {
		t.Fatalf("FetchRaw: %v", err)
	}
	if body == "" {
		t.Fatalf("empty body")
	}
}

func TestFetchRawHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{Timeout: time.Second}, noopLogger())
	_, err := f.FetchRaw(context.Background(), Request{URL: srv.URL})

	var fe *FetchError
	if !errors.As(err, &fe) || fe.Kind != KindHTTPStatus || fe.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("err = %v, want http status 503", err)
	}
	if !errors.Is(err, ErrHTTPStatus) || errors.Is(err, ErrTimeout) {
		t.Fatalf("sentinel matching broken for %v", err)
	}
	if !Retryable(err) {
		t.Fatalf("503 should be retryable")
	}
}

func TestFetchRawUnauthorizedNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{Timeout: time.Second}, noopLogger())
	_, err := f.FetchRaw(context.Background(), Request{URL: srv.URL})
	if Retryable(err) {
		t.Fatalf("401 must not be retried: %v", err)
	}
}

func TestFetchRawConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	f := NewHTTPFetcher(Options{Timeout: time.Second}, noopLogger())
	_, err = f.FetchRaw(context.Background(), Request{URL: "http://" + addr + "/metrics"})
	if !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("err = %v, want connection refused", err)
	}
}

func TestFetchRawEscalatesTimeouts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			select {
			case <-r.Context().Done():
			case <-time.After(500 * time.Millisecond):
			}
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{Timeout: 20 * time.Millisecond, TimeoutSteps: []int{1, 2, 3}}, noopLogger())
	body, err := f.FetchRaw(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("FetchRaw: %v", err)
	}
	if body != "ok" || calls.Load() != 3 {
		t.Fatalf("body=%q calls=%d, want ok after 3 attempts", body, calls.Load())
	}
}

func TestFetchRawAllBudgetsTimeOut(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{Timeout: 10 * time.Millisecond, TimeoutSteps: []int{1, 2}}, noopLogger())
	_, err := f.FetchRaw(context.Background(), Request{URL: srv.URL})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want one per budget", calls.Load())
	}
}

func TestBudgets(t *testing.T) {
	f := NewHTTPFetcher(Options{Timeout: time.Second}, noopLogger())
	got := f.Budgets(2 * time.Second)
	want := []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}
	if len(got) != len(want) {
		t.Fatalf("budgets = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("budgets = %v, want %v", got, want)
		}
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{Timeout: time.Second}, noopLogger())
	if err := f.Ping(context.Background(), srv.URL); err != nil {
		t.Fatalf("404 still means reachable: %v", err)
	}
}

func TestDescribe(t *testing.T) {
	err := &FetchError{Kind: KindHTTPStatus, StatusCode: 403, URL: "http://x"}
	if got := Describe(err); got != "metrics endpoint rejected credentials (HTTP 403)" {
		t.Fatalf("Describe = %q", got)
	}
}
