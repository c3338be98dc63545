package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/image-crawler/internal/config"
	"github.com/JakeFAU/image-crawler/internal/crawler"
	"github.com/JakeFAU/image-crawler/internal/dispatcher"
	"github.com/JakeFAU/image-crawler/internal/extract"
	storememory "github.com/JakeFAU/image-crawler/internal/storage/memory"
)

func TestServer_SubmitJob_Succeeds(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	server := NewServer(storememory.NewJobStore(), sub, testConfig(), zap.NewNop())

	reqBody := []byte(`{"urls":["https://example.com","https://example.org"],"threads":3}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job-1", resp.JobID)
	require.Equal(t, []string{"https://example.com", "https://example.org"}, resp.URLs)
	require.Equal(t, 3, resp.Threads)
	require.Equal(t, 3, sub.lastWorkers())
}

func TestServer_SubmitJob_DefaultsThreads(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	cfg := testConfig()
	cfg.Crawler.DefaultWorkers = 2
	server := NewServer(storememory.NewJobStore(), sub, cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(`{"urls":["https://example.com"]}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 2, sub.lastWorkers())
}

func TestServer_SubmitJob_InvalidJSON(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString("{invalid"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid JSON")
}

func TestServer_SubmitJob_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid job", err: fmt.Errorf("%w: threads must be at least 1", crawler.ErrInvalidJob), want: http.StatusBadRequest},
		{name: "dispatcher closed", err: dispatcher.ErrClosed, want: http.StatusServiceUnavailable},
		{name: "store failure", err: errors.New("create job: boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := NewServer(storememory.NewJobStore(), &fakeSubmitter{err: tt.err}, testConfig(), zap.NewNop())
			req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(`{"urls":["https://example.com"]}`))
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServer_GetJobStatus(t *testing.T) {
	t.Parallel()

	store := storememory.NewJobStore()
	ctx := context.Background()
	job := crawler.NewJob("job-status", []string{"https://a.test", "https://b.test"}, 1, time.Unix(100, 0))
	require.NoError(t, store.CreateJob(ctx, job))
	require.NoError(t, store.ApplyProgress(ctx, "job-status", "https://a.test", []string{"https://a.test/x.png"}))
	server := newTestServerWithStore(store)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-status/status", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"completed":1,"pending":1}`, rec.Body.String())
}

func TestServer_GetJobResult(t *testing.T) {
	t.Parallel()

	store := storememory.NewJobStore()
	ctx := context.Background()
	job := crawler.NewJob("job-result", []string{"https://a.test", "https://b.test"}, 1, time.Unix(100, 0))
	require.NoError(t, store.CreateJob(ctx, job))
	require.NoError(t, store.ApplyProgress(ctx, "job-result", "https://a.test", []string{"https://a.test/x.png"}))
	server := newTestServerWithStore(store)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-result/result", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"image_urls":{"https://a.test":["https://a.test/x.png"]}}`, rec.Body.String())
}

func TestServer_UnknownJobReturns404(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	for _, path := range []string{"/v1/jobs/nope/status", "/v1/jobs/nope/result"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusNotFound, rec.Code, path)
		require.Contains(t, rec.Body.String(), "job not found")
	}
}

func TestServer_StoreFailureReturns500(t *testing.T) {
	t.Parallel()

	server := newTestServerWithStore(&failingStore{err: errors.New("connection reset")})
	for _, path := range []string{"/v1/jobs/job/status", "/v1/jobs"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusInternalServerError, rec.Code, path)
	}
}

func TestServer_ListJobs(t *testing.T) {
	t.Parallel()

	store := storememory.NewJobStore()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, crawler.NewJob("first", []string{"https://a.test"}, 1, time.Unix(1, 0))))
	require.NoError(t, store.CreateJob(ctx, crawler.NewJob("second", []string{"https://b.test"}, 1, time.Unix(2, 0))))
	server := newTestServerWithStore(store)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"jobs":["first","second"]}`, rec.Body.String())
}

func TestServer_ListJobsEmpty(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newTestServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"jobs":[]}`, rec.Body.String())
}

func TestServer_ReadyzPingsStore(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newTestServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	server := newTestServerWithStore(&failingStore{err: errors.New("down")})
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer()
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	server := NewServer(storememory.NewJobStore(), &fakeSubmitter{}, cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz?api_key=secret", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	server := NewServer(storememory.NewJobStore(), &fakeSubmitter{panic: true}, testConfig(), zap.NewNop())
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(`{"urls":["https://example.com"]}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_EndToEndWithDispatcher(t *testing.T) {
	t.Parallel()

	store := storememory.NewJobStore()
	pages := map[string]string{
		"https://site.test/":       `<a href="/about">about</a><img src="/logo.png">`,
		"https://site.test/about": `<img src="team.jpg"><a href="/deeper">deeper</a>`,
	}
	d := dispatcher.New(store, nil, &mapFetcher{pages: pages}, extract.New(), &fakeIDGen{ids: []string{"job-e2e"}},
		&fakeClock{now: time.Unix(100, 0)}, dispatcher.Config{MaxWorkers: 4, CacheSize: 16}, zap.NewNop())
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	server := NewServer(store, d, testConfig(), zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(`{"urls":["https://site.test/"],"threads":2}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx, "job-e2e"))

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-e2e/status", nil))
	require.JSONEq(t, `{"completed":1,"pending":0}`, rec.Body.String())

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-e2e/result", nil))
	require.JSONEq(t,
		`{"image_urls":{"https://site.test/":["https://site.test/logo.png","https://site.test/team.jpg"]}}`,
		rec.Body.String())
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newTestServer().Handler().ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeSubmitter struct {
	mu      sync.Mutex
	err     error
	panic   bool
	workers int
}

func (f *fakeSubmitter) Submit(_ context.Context, seeds []string, workers int) (crawler.Job, error) {
	if f.panic {
		panic("submit exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers = workers
	if f.err != nil {
		return crawler.Job{}, f.err
	}
	return crawler.NewJob("job-1", seeds, workers, time.Unix(100, 0)), nil
}

func (f *fakeSubmitter) lastWorkers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers
}

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "id-default", nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type mapFetcher struct {
	pages map[string]string
}

func (f *mapFetcher) Fetch(_ context.Context, url string) (crawler.Page, error) {
	body, ok := f.pages[url]
	if !ok {
		return crawler.Page{}, errors.New("status 404: not found")
	}
	return crawler.Page{URL: url, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

// failingStore fails every call, including Ping.
type failingStore struct {
	err error
}

func (s *failingStore) CreateJob(context.Context, crawler.Job) error { return s.err }

func (s *failingStore) GetJob(context.Context, string) (crawler.Job, error) {
	return crawler.Job{}, s.err
}

func (s *failingStore) ApplyProgress(context.Context, string, string, []string) error { return s.err }

func (s *failingStore) ListJobs(context.Context) ([]string, error) { return nil, s.err }

func (s *failingStore) Close() error { return nil }

func (s *failingStore) Ping(context.Context) error { return s.err }

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Crawler: config.CrawlerConfig{DefaultWorkers: 1, MaxWorkers: 8},
		Logging: config.LoggingConfig{Development: true},
	}
}

func newTestServer() *Server {
	return newTestServerWithStore(storememory.NewJobStore())
}

func newTestServerWithStore(jobStore crawler.JobStore) *Server {
	return NewServer(jobStore, &fakeSubmitter{}, testConfig(), zap.NewNop())
}
