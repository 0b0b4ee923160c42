// Package clearance is a drop-in HTTP client that transparently detects and
// resolves anti-bot challenge pages. A Session keeps one coherent browser
// identity: TLS fingerprint, header profile, cookie jar and proxy binding
// move together, and every challenge round-trip runs inside a bounded
// classify, solve, retry loop.
package clearance

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/google/uuid"
)

// RequestOptions carries per-request overrides. The zero value issues a
// plain navigation request.
type RequestOptions struct {
	Headers     http.Header
	Body        []byte
	ContentType string
	// Proxy overrides the session's rotation for this request only.
	Proxy string
}

// Session is the challenge-aware client. Safe for concurrent use; the
// throttle governor serialises dispatches down to the configured
// concurrency ceiling.
type Session struct {
	ID  string
	cfg Config

	client HTTPClient
	jar    http.CookieJar

	proxies  *ProxyManager
	stealth  *StealthPolicy
	throttle *throttle
	captcha  *captchaClient
	solvers  map[ChallengeKind]Solver
	logger   Logger

	// sleep overrides the context-aware wait in tests.
	sleep func(time.Duration)
	now   func() time.Time

	mu           sync.Mutex
	profile      *BrowserProfile
	proxyURL     string
	createdAt    time.Time
	requestCount int
	last403      time.Time
	depth        int
	origins      map[string]*url.URL
}

// New builds a Session from cfg. The configuration is validated up front;
// no request leaves a half-broken session.
func New(cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	profile := profileByName(cfg.Browser)
	if profile == nil {
		if cfg.Browser != "" {
			return nil, configErrorf("Browser", "unknown browser profile %q", cfg.Browser)
		}
		profile = randomProfile(nil)
	}

	proxies, err := NewProxyManager(cfg.Proxies, cfg.ProxyRotation, cfg.ProxyBanDuration)
	if err != nil {
		return nil, err
	}

	jar := tls_client.NewCookieJar()
	proxyURL := proxies.Next()
	client, err := newTransport(&cfg, profile, jar, proxyURL)
	if err != nil {
		return nil, err
	}

	s := newSession(cfg, client, profile)
	s.jar = jar
	s.proxies = proxies
	s.proxyURL = proxyURL
	return s, nil
}

// NewWithClient builds a Session around an injected transport. Used by
// tests and by callers that manage their own tls_client instance.
func NewWithClient(cfg Config, client HTTPClient) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	profile := profileByName(cfg.Browser)
	if profile == nil {
		profile = randomProfile(nil)
	}

	proxies, err := NewProxyManager(cfg.Proxies, cfg.ProxyRotation, cfg.ProxyBanDuration)
	if err != nil {
		return nil, err
	}

	s := newSession(cfg, client, profile)
	s.proxies = proxies
	return s, nil
}

func newSession(cfg Config, client HTTPClient, profile *BrowserProfile) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		cfg:       cfg,
		client:    client,
		stealth:   newStealthPolicy(&cfg),
		throttle:  newThrottle(cfg.MinRequestInterval, cfg.MaxConcurrent),
		captcha:   newCaptchaClient(cfg.Captcha, cfg.Logger),
		logger:    cfg.Logger,
		now:       time.Now,
		profile:   profile,
		createdAt: time.Now(),
		origins:   make(map[string]*url.URL),
	}
	s.solvers = map[ChallengeKind]Solver{
		ChallengeV1:        v1Solver{},
		ChallengeV2:        v2Solver{},
		ChallengeV2Captcha: v2Solver{captcha: true},
		ChallengeV3:        v3Solver{},
		ChallengeTurnstile: turnstileSolver{},
	}
	return s
}

// Get issues a GET through the challenge loop.
func (s *Session) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	return s.Request(ctx, http.MethodGet, rawURL, nil)
}

// Post issues a POST with the given body through the challenge loop.
func (s *Session) Post(ctx context.Context, rawURL, contentType string, body []byte) (*http.Response, error) {
	return s.Request(ctx, http.MethodPost, rawURL, &RequestOptions{Body: body, ContentType: contentType})
}

// Do issues req through the challenge loop. The request body is buffered
// eagerly so the dispatch can be replayed after a solve.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	opts := &RequestOptions{Headers: req.Header}
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		opts.Body = body
	}
	return s.Request(req.Context(), req.Method, req.URL.String(), opts)
}

// Request issues one logical request: dispatch, classify, solve, retry,
// bounded by the configured solve depth. The returned response's body is
// fully buffered and rewound.
func (s *Session) Request(ctx context.Context, method, rawURL string, opts *RequestOptions) (*http.Response, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	s.throttle.acquire()
	defer s.throttle.exit()

	s.maybeRotateProxy(opts.Proxy)

	if s.needsRefresh() {
		if err := s.refresh(ctx, rawURL); err != nil {
			s.logger.Log("session %s: scheduled refresh failed: %v", s.ID, err)
		}
	}

	retries403 := 0
	for {
		resp, body, err := s.dispatch(ctx, method, rawURL, opts, false)
		if err != nil {
			return nil, err
		}

		if s.cfg.PostHook != nil {
			resp, err = s.cfg.PostHook(s, resp)
			if err != nil {
				return nil, err
			}
		}

		kind := s.classify(resp, body)
		if kind == ChallengeNone {
			if resp.StatusCode == http.StatusForbidden {
				s.mu.Lock()
				s.last403 = s.now()
				s.mu.Unlock()

				if !s.cfg.DisableRefreshOn403 && retries403 < s.cfg.Max403Retries {
					retries403++
					s.logger.Log("session %s: 403 for %s, refreshing identity (retry %d/%d)", s.ID, rawURL, retries403, s.cfg.Max403Retries)
					if err := s.refresh(ctx, rawURL); err != nil {
						s.logger.Log("session %s: refresh failed: %v", s.ID, err)
						return resp, nil
					}
					continue
				}
			}

			// A settled response closes the challenge chain. Interstitial
			// statuses and redirects keep the depth so chained hops still
			// count against the bound.
			if !isRedirect(resp.StatusCode) &&
				resp.StatusCode != http.StatusTooManyRequests &&
				resp.StatusCode != http.StatusServiceUnavailable {
				s.resetDepth()
			}
			return resp, nil
		}

		depth, exceeded := s.bumpDepth()
		if exceeded {
			s.resetDepth()
			return nil, &LoopProtectionError{URL: rawURL, Attempts: depth}
		}

		ch := &Challenge{
			ID:       uuid.NewString(),
			Kind:     kind,
			Method:   method,
			URL:      rawURL,
			Response: resp,
			Body:     body,
			Depth:    depth,
			opts:     opts,
		}
		s.logger.Log("session %s: %s challenge for %s (depth %d)", s.ID, kind, rawURL, depth)

		solver, ok := s.solvers[kind]
		if !ok {
			s.resetDepth()
			return nil, &ChallengeUnresolvedError{URL: rawURL, Kind: kind, Depth: depth, Err: fmt.Errorf("no solver registered")}
		}
		if err := solver.Solve(ctx, s, ch); err != nil {
			s.resetDepth()
			return nil, &ChallengeUnresolvedError{URL: rawURL, Kind: kind, Depth: depth, Err: err}
		}
	}
}

// bumpDepth advances the chained-challenge counter. exceeded is true when
// the counter had already reached the bound before this challenge.
func (s *Session) bumpDepth() (depth int, exceeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.depth >= s.cfg.SolveDepth {
		return s.depth, true
	}
	s.depth++
	return s.depth, false
}

func (s *Session) resetDepth() {
	s.mu.Lock()
	s.depth = 0
	s.mu.Unlock()
}

// dispatch performs one wire round-trip. raw dispatches come from solvers
// and the refresh baseline: they skip stealth delays and never re-enter
// throttle accounting, so nested traffic cannot deadlock or double-count.
func (s *Session) dispatch(ctx context.Context, method, rawURL string, opts *RequestOptions, raw bool) (*http.Response, []byte, error) {
	h := navigationHeaders(s.browserProfile())
	for k, v := range opts.Headers {
		h[http.CanonicalHeaderKey(k)] = v
	}
	if opts.ContentType != "" {
		h.Set("content-type", opts.ContentType)
	}
	if !raw && !s.cfg.DisableStealth {
		h = s.stealth.Apply(method, rawURL, h, s.browserProfile())
	}

	var bodyReader *bytes.Reader
	if len(opts.Body) > 0 {
		bodyReader = bytes.NewReader(opts.Body)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, nil, err
	}
	req.Header = h

	if s.cfg.PreHook != nil {
		if err := s.cfg.PreHook(s, req); err != nil {
			return nil, nil, err
		}
	}

	resp, err := s.transport().Do(req)
	if err != nil {
		return nil, nil, s.transportFailure(rawURL, err)
	}
	s.recordDispatch(rawURL)
	if s.cfg.Debug {
		s.logger.Log("session %s: %s %s -> %d", s.ID, method, rawURL, resp.StatusCode)
	}

	body, err := drainResponse(resp)
	if err != nil {
		return nil, nil, s.transportFailure(rawURL, err)
	}
	return resp, body, nil
}

// sendChallenge is the solvers' dispatch path: explicit headers, no
// stealth, no throttle.
func (s *Session) sendChallenge(ctx context.Context, method, rawURL string, h http.Header, body []byte) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header = h

	resp, err := s.transport().Do(req)
	if err != nil {
		return nil, nil, s.transportFailure(rawURL, err)
	}
	s.recordDispatch(rawURL)

	respBody, err := drainResponse(resp)
	if err != nil {
		return nil, nil, s.transportFailure(rawURL, err)
	}
	return resp, respBody, nil
}

// transportFailure wraps a wire error and feeds the proxy ledger.
func (s *Session) transportFailure(rawURL string, err error) error {
	s.mu.Lock()
	proxyURL := s.proxyURL
	s.mu.Unlock()

	display := ""
	if proxyURL != "" {
		s.proxies.ReportFailure(proxyURL)
		display = s.proxies.Display(proxyURL)
	}
	return &TransportError{URL: rawURL, Proxy: display, Err: err}
}

// recordDispatch tracks request accounting and the origins touched by this
// session, which is the domain set a refresh clears cookies for.
func (s *Session) recordDispatch(rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.requestCount++
	if _, ok := s.origins[u.Host]; !ok && u.Host != "" {
		s.origins[u.Host] = &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
	}
	proxyURL := s.proxyURL
	s.mu.Unlock()

	if proxyURL != "" {
		s.proxies.ReportSuccess(proxyURL)
	}
}

// maybeRotateProxy binds the transport to the next rotation pick, or to the
// per-request override. An empty pick (all proxies banned) falls back to a
// direct connection.
func (s *Session) maybeRotateProxy(override string) {
	next := override
	if next == "" {
		if s.proxies.Count() == 0 {
			return
		}
		next = s.proxies.Next()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if next == s.proxyURL {
		return
	}
	if err := s.client.SetProxy(next); err != nil {
		s.logger.Log("session %s: proxy switch to %s failed: %v", s.ID, s.proxies.Display(next), err)
		return
	}
	s.proxyURL = next
}

// browserProfile returns the current identity profile.
func (s *Session) browserProfile() *BrowserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// transport snapshots the current client under the session lock. Refresh
// swaps the client while requests may be in flight; every dispatch path
// must read it through here so the swap is ordered against the read.
func (s *Session) transport() HTTPClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// RequestCount returns the number of wire dispatches issued so far,
// including solver sub-requests.
func (s *Session) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestCount
}

// sleepFor waits d, returning early when the context is cancelled.
func (s *Session) sleepFor(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	if s.sleep != nil {
		s.sleep(d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// installCookieString parses a document.cookie style "name=value; ..."
// string and installs the pairs for the request's host.
func (s *Session) installCookieString(rawURL, cookieStr string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}

	var cookies []*http.Cookie
	for _, pair := range strings.Split(cookieStr, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			continue
		}
		cookies = append(cookies, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	if len(cookies) > 0 {
		s.transport().SetCookies(u, cookies)
	}
}

// hasClearanceCookie reports whether the jar holds a clearance cookie for
// the URL's host.
func (s *Session) hasClearanceCookie(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	for _, c := range s.transport().GetCookies(u) {
		if c.Name == "cf_clearance" && c.Value != "" {
			return true
		}
	}
	return false
}

// Cookies returns the jar contents for a URL.
func (s *Session) Cookies(rawURL string) ([]*http.Cookie, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return s.transport().GetCookies(u), nil
}
