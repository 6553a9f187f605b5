package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestClient(cfg Config, rec *sleepRecorder) *Client {
	return New(cfg, WithName("test"), WithSleep(rec.sleep))
}

func TestDoRetriesServerErrorsThenSucceeds(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	client := newTestClient(Config{BaseDelay: time.Second}, rec)

	resp, err := client.Get(context.Background(), srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(3), hits.Load())

	var body struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, resp.DecodeJSON(&body))
	assert.True(t, body.OK)

	require.Len(t, rec.delays, 2)
	assert.InDelta(t, float64(time.Second), float64(rec.delays[0]), float64(200*time.Millisecond))
	assert.InDelta(t, float64(2*time.Second), float64(rec.delays[1]), float64(400*time.Millisecond))
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	_, err := newTestClient(Config{}, rec).Get(context.Background(), srv.URL, nil, nil)
	require.Error(t, err)

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindHTTPStatus, fe.Kind)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.Equal(t, 1, fe.Attempts)
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, rec.delays)
}

func TestDoExhaustsAttemptsOnServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(Config{}, &sleepRecorder{}).Get(context.Background(), srv.URL, nil, nil)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindHTTPStatus, kind)
	assert.Equal(t, 3, AttemptsOf(err))
	assert.Equal(t, int32(3), hits.Load())
}

func TestDoHonoursRetryAfterOnRateLimit(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	resp, err := newTestClient(Config{}, rec).Get(context.Background(), srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, []time.Duration{7 * time.Second}, rec.delays)
}

func TestDoRateLimitWithoutHintUsesLongerBackoff(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	_, err := newTestClient(Config{RateLimitDelay: 10 * time.Second, BaseDelay: time.Second}, rec).
		Get(context.Background(), srv.URL, nil, nil)

	kind, _ := KindOf(err)
	assert.Equal(t, KindRateLimited, kind)
	require.Len(t, rec.delays, 2)
	assert.GreaterOrEqual(t, rec.delays[0], 16*time.Second)
	assert.GreaterOrEqual(t, rec.delays[1], 32*time.Second)
}

func TestDoClassifiesTimeouts(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	_, err := newTestClient(Config{Timeout: 30 * time.Millisecond}, &sleepRecorder{}).
		Get(context.Background(), srv.URL, nil, nil)

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindTimeout, fe.Kind)
	assert.Equal(t, 3, fe.Attempts)
	assert.Equal(t, int32(3), hits.Load())
}

func TestDoStopsWhenContextIsCancelled(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &sleepRecorder{}
	_, err := newTestClient(Config{}, rec).Get(ctx, srv.URL, nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(0), hits.Load())
	assert.Empty(t, rec.delays)
}

func TestDoSendsParamsHeadersAndBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "A", r.URL.Query().Get("freq"))
		assert.Equal(t, "keep", r.URL.Query().Get("existing"))
		assert.Equal(t, "secret", r.Header.Get("X-Key"))
		assert.Equal(t, "TradeCollector/1.0", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	resp, err := newTestClient(Config{}, &sleepRecorder{}).Do(context.Background(), Request{
		Method:  http.MethodPost,
		URL:     srv.URL + "/data?existing=keep",
		Params:  url.Values{"freq": {"A"}},
		Headers: map[string]string{"X-Key": "secret"},
		Body:    []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestDoRejectsRelativeURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}).Get(context.Background(), "/relative", nil, nil)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindNetwork, kind)
}

func TestBackoffBounds(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		d := Backoff(0, 5*time.Second, time.Minute)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.LessOrEqual(t, d, 6*time.Second)

		d = Backoff(1, 5*time.Second, time.Minute)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}

	assert.LessOrEqual(t, Backoff(40, 5*time.Second, time.Minute), time.Minute)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	d, ok := parseRetryAfter("120", now)
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, d)

	d, ok = parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	d, ok = parseRetryAfter(now.Add(-time.Hour).Format(http.TimeFormat), now)
	require.True(t, ok)
	assert.Zero(t, d)

	_, ok = parseRetryAfter("soon", now)
	assert.False(t, ok)

	_, ok = parseRetryAfter("", now)
	assert.False(t, ok)
}

func TestDoHonoursPerRequestAttemptCap(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(Config{}, &sleepRecorder{}).Do(context.Background(), Request{URL: srv.URL, MaxAttempts: 2})
	require.Error(t, err)
	assert.Equal(t, 2, AttemptsOf(err))
	assert.Equal(t, int32(2), hits.Load())
}

func TestErrorReportsDisplayURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestClient(Config{}, &sleepRecorder{}).Do(context.Background(), Request{
		URL:        srv.URL + "/secret-key/path?token=abc",
		DisplayURL: "upstream/<redacted>",
	})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-key")
	assert.NotContains(t, err.Error(), "token=abc")
	assert.Contains(t, err.Error(), "upstream/<redacted>")
}
