package clearance

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

// fakeClient is an in-memory HTTPClient: scripted responses, a cookie store
// honoring MaxAge deletion, and a log of every request and proxy switch.
type fakeClient struct {
	mu       sync.Mutex
	handler  func(req *http.Request) (*http.Response, error)
	requests []*http.Request
	jar      map[string][]*http.Cookie
	proxies  []string
}

func (f *fakeClient) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	handler := f.handler
	f.mu.Unlock()

	if handler == nil {
		return textResponse(200, "ok", nil), nil
	}
	return handler(req)
}

func (f *fakeClient) GetCookies(u *url.URL) []*http.Cookie {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*http.Cookie(nil), f.jar[u.Host]...)
}

func (f *fakeClient) SetCookies(u *url.URL, cookies []*http.Cookie) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.jar == nil {
		f.jar = make(map[string][]*http.Cookie)
	}
	for _, c := range cookies {
		existing := f.jar[u.Host]
		kept := existing[:0]
		for _, e := range existing {
			if e.Name != c.Name {
				kept = append(kept, e)
			}
		}
		f.jar[u.Host] = kept
		if c.MaxAge >= 0 {
			f.jar[u.Host] = append(f.jar[u.Host], c)
		}
	}
}

func (f *fakeClient) SetProxy(proxyURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proxies = append(f.proxies, proxyURL)
	return nil
}

func (f *fakeClient) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func textResponse(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func challengeResponse(status int, body string) *http.Response {
	return textResponse(status, body, http.Header{"Server": {"cloudflare"}})
}

// solverFunc adapts a function to the Solver interface for tests.
type solverFunc func(ctx context.Context, s *Session, ch *Challenge) error

func (f solverFunc) Solve(ctx context.Context, s *Session, ch *Challenge) error {
	return f(ctx, s, ch)
}

func quietConfig() Config {
	return Config{
		MinRequestInterval:      time.Nanosecond,
		DisableStealth:          true,
		DisableScheduledRefresh: true,
		DisableRefreshOn403:     true,
	}
}

func TestRequestPassThrough(t *testing.T) {
	fake := &fakeClient{}
	s, err := NewWithClient(quietConfig(), fake)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := s.Get(context.Background(), "https://example.com/page")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := fake.requestCount(); got != 1 {
		t.Errorf("dispatches = %d, want 1", got)
	}
	if got := s.throttle.InFlight(); got != 0 {
		t.Errorf("InFlight() = %d after request, want 0", got)
	}
}

func TestLoopProtection(t *testing.T) {
	fake := &fakeClient{
		handler: func(req *http.Request) (*http.Response, error) {
			return challengeResponse(503, v1Page), nil
		},
	}
	s, err := NewWithClient(quietConfig(), fake)
	if err != nil {
		t.Fatal(err)
	}

	solves := 0
	s.solvers[ChallengeV1] = solverFunc(func(ctx context.Context, s *Session, ch *Challenge) error {
		solves++
		return nil
	})

	_, err = s.Get(context.Background(), "https://example.com/guarded")

	var lpe *LoopProtectionError
	if !errors.As(err, &lpe) {
		t.Fatalf("err = %v, want LoopProtectionError", err)
	}
	if lpe.Attempts != DefaultSolveDepth {
		t.Errorf("Attempts = %d, want %d", lpe.Attempts, DefaultSolveDepth)
	}
	if solves != DefaultSolveDepth {
		t.Errorf("solver ran %d times, want %d", solves, DefaultSolveDepth)
	}
	// One dispatch per classification: the bound plus the final one that
	// trips protection.
	if got := fake.requestCount(); got != DefaultSolveDepth+1 {
		t.Errorf("dispatches = %d, want %d", got, DefaultSolveDepth+1)
	}

	s.mu.Lock()
	depth := s.depth
	s.mu.Unlock()
	if depth != 0 {
		t.Errorf("depth = %d after loop protection, want 0", depth)
	}
	if got := s.throttle.InFlight(); got != 0 {
		t.Errorf("InFlight() = %d after error, want 0", got)
	}
}

func TestChallengeResolvedThenRetried(t *testing.T) {
	solved := false
	fake := &fakeClient{}
	fake.handler = func(req *http.Request) (*http.Response, error) {
		if solved {
			return textResponse(200, "content", nil), nil
		}
		return challengeResponse(503, v1Page), nil
	}

	s, err := NewWithClient(quietConfig(), fake)
	if err != nil {
		t.Fatal(err)
	}
	s.solvers[ChallengeV1] = solverFunc(func(ctx context.Context, s *Session, ch *Challenge) error {
		solved = true
		return nil
	})

	resp, err := s.Get(context.Background(), "https://example.com/guarded")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	s.mu.Lock()
	depth := s.depth
	s.mu.Unlock()
	if depth != 0 {
		t.Errorf("depth = %d after settled response, want 0", depth)
	}
}

func TestSolverFailureWrapped(t *testing.T) {
	fake := &fakeClient{
		handler: func(req *http.Request) (*http.Response, error) {
			return challengeResponse(403, v2Page), nil
		},
	}
	s, err := NewWithClient(quietConfig(), fake)
	if err != nil {
		t.Fatal(err)
	}

	solveErr := errors.New("flow rejected")
	s.solvers[ChallengeV2] = solverFunc(func(ctx context.Context, s *Session, ch *Challenge) error {
		return solveErr
	})

	_, err = s.Get(context.Background(), "https://example.com/guarded")

	var cue *ChallengeUnresolvedError
	if !errors.As(err, &cue) {
		t.Fatalf("err = %v, want ChallengeUnresolvedError", err)
	}
	if cue.Kind != ChallengeV2 {
		t.Errorf("Kind = %v, want v2", cue.Kind)
	}
	if !errors.Is(err, solveErr) {
		t.Error("wrapped error lost the solver cause")
	}
	if got := s.throttle.InFlight(); got != 0 {
		t.Errorf("InFlight() = %d after error, want 0", got)
	}
}

func TestNoSolverRegistered(t *testing.T) {
	fake := &fakeClient{
		handler: func(req *http.Request) (*http.Response, error) {
			return challengeResponse(503, v1Page), nil
		},
	}
	s, err := NewWithClient(quietConfig(), fake)
	if err != nil {
		t.Fatal(err)
	}
	delete(s.solvers, ChallengeV1)

	_, err = s.Get(context.Background(), "https://example.com/guarded")
	var cue *ChallengeUnresolvedError
	if !errors.As(err, &cue) {
		t.Fatalf("err = %v, want ChallengeUnresolvedError", err)
	}
}

func TestPrePostHooks(t *testing.T) {
	var sawHeader string
	cfg := quietConfig()
	cfg.PreHook = func(s *Session, req *http.Request) error {
		req.Header.Set("x-test-marker", "set-by-hook")
		return nil
	}
	cfg.PostHook = func(s *Session, resp *http.Response) (*http.Response, error) {
		resp.Header.Set("x-post", "seen")
		return resp, nil
	}

	fake := &fakeClient{}
	fake.handler = func(req *http.Request) (*http.Response, error) {
		sawHeader = req.Header.Get("x-test-marker")
		return textResponse(200, "ok", nil), nil
	}

	s, err := NewWithClient(cfg, fake)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := s.Get(context.Background(), "https://example.com/")
	if err != nil {
		t.Fatal(err)
	}
	if sawHeader != "set-by-hook" {
		t.Errorf("pre-hook header = %q, want set-by-hook", sawHeader)
	}
	if resp.Header.Get("x-post") != "seen" {
		t.Error("post-hook did not run")
	}
}

func TestProxyRotationPerRequest(t *testing.T) {
	cfg := quietConfig()
	cfg.Proxies = []string{"10.0.0.1:80", "10.0.0.2:80"}

	fake := &fakeClient{}
	s, err := NewWithClient(cfg, fake)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.Get(ctx, "https://example.com/"); err != nil {
			t.Fatal(err)
		}
	}

	fake.mu.Lock()
	got := append([]string(nil), fake.proxies...)
	fake.mu.Unlock()

	want := []string{"http://10.0.0.1:80", "http://10.0.0.2:80", "http://10.0.0.1:80"}
	if len(got) != len(want) {
		t.Fatalf("proxy switches = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("switch %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTransportErrorFeedsProxyLedger(t *testing.T) {
	cfg := quietConfig()
	cfg.Proxies = []string{"10.0.0.1:80"}

	fake := &fakeClient{
		handler: func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		},
	}
	s, err := NewWithClient(cfg, fake)
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Get(context.Background(), "https://example.com/")

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if te.Proxy != "10.0.0.1:80" {
		t.Errorf("Proxy = %q, want display form without credentials", te.Proxy)
	}
	if !IsRetryableError(err) {
		t.Error("connection refused should classify as retryable")
	}
	if got := s.proxies.Next(); got != "" {
		t.Errorf("Next() = %q after failure ban, want direct fallback", got)
	}
}
