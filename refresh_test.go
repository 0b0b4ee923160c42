package clearance

import (
	"context"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

func seedCookies(fake *fakeClient, host string, names ...string) {
	u := &url.URL{Scheme: "https", Host: host, Path: "/"}
	for _, name := range names {
		fake.SetCookies(u, []*http.Cookie{{Name: name, Value: "v-" + name, Path: "/"}})
	}
}

func cookieNames(fake *fakeClient, host string) []string {
	var names []string
	for _, c := range fake.GetCookies(&url.URL{Scheme: "https", Host: host}) {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

func TestRefreshClearsExactCookieSet(t *testing.T) {
	fake := &fakeClient{}
	s, err := NewWithClient(quietConfig(), fake)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := s.Get(ctx, "https://example.com/page"); err != nil {
			t.Fatal(err)
		}
	}

	seedCookies(fake, "example.com",
		"cf_clearance", "cf_chl_2", "cf_chl_prog", "cf_chl_rc_ni", "cf_turnstile", "__cf_bm",
		"session_id", "prefs")

	oldProfile := s.browserProfile()
	if err := s.Refresh(ctx, "https://example.com/"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	got := cookieNames(fake, "example.com")
	want := []string{"prefs", "session_id"}
	if len(got) != len(want) {
		t.Fatalf("surviving cookies = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("surviving cookies = %v, want %v", got, want)
			break
		}
	}

	if s.browserProfile() == oldProfile {
		t.Error("refresh did not rotate the identity profile")
	}

	s.mu.Lock()
	depth, last403 := s.depth, s.last403
	s.mu.Unlock()
	if depth != 0 || !last403.IsZero() {
		t.Errorf("counters not reset: depth=%d last403=%v", depth, last403)
	}
	// Only the baseline request issued by the refresh may remain counted.
	if got := s.RequestCount(); got > 1 {
		t.Errorf("RequestCount() = %d after refresh, want <= 1", got)
	}
}

func TestRefreshBaselineTargetsOrigin(t *testing.T) {
	var last *url.URL
	fake := &fakeClient{
		handler: func(req *http.Request) (*http.Response, error) {
			last = req.URL
			return textResponse(200, "ok", nil), nil
		},
	}
	s, err := NewWithClient(quietConfig(), fake)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Refresh(context.Background(), "https://example.com/deep/path?q=1"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if last == nil {
		t.Fatal("refresh issued no baseline request")
	}
	if last.Host != "example.com" || (last.Path != "" && last.Path != "/") || last.RawQuery != "" {
		t.Errorf("baseline request hit %q, want the origin root", last.String())
	}
}

func TestRefreshBaselineStatuses(t *testing.T) {
	for _, tt := range []struct {
		status int
		wantOK bool
	}{
		{200, true},
		{301, true},
		{302, true},
		{304, true},
		{403, false},
		{503, false},
	} {
		fake := &fakeClient{
			handler: func(req *http.Request) (*http.Response, error) {
				return textResponse(tt.status, "", nil), nil
			},
		}
		s, err := NewWithClient(quietConfig(), fake)
		if err != nil {
			t.Fatal(err)
		}

		err = s.Refresh(context.Background(), "https://example.com/")
		if (err == nil) != tt.wantOK {
			t.Errorf("Refresh with baseline status %d: err = %v, wantOK %v", tt.status, err, tt.wantOK)
		}
	}
}

func TestRefreshConcurrentWithRequests(t *testing.T) {
	fake := &fakeClient{}
	cfg := quietConfig()
	cfg.MaxConcurrent = 4
	s, err := NewWithClient(cfg, fake)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := s.Get(ctx, "https://example.com/page"); err != nil {
					t.Errorf("Get: %v", err)
					return
				}
			}
		}()
	}
	// An injected client is never rebuilt by refresh, so swap it here the
	// way an owned transport would be swapped.
	spare := &fakeClient{}
	for i := 0; i < 3; i++ {
		if err := s.Refresh(ctx, "https://example.com/"); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
		next := HTTPClient(spare)
		if i%2 == 1 {
			next = fake
		}
		s.mu.Lock()
		s.client = next
		s.mu.Unlock()
	}
	wg.Wait()

	if got := s.throttle.InFlight(); got != 0 {
		t.Errorf("InFlight() = %d after drain, want 0", got)
	}
}

func TestAutoRefreshOn403(t *testing.T) {
	cfg := quietConfig()
	cfg.DisableRefreshOn403 = false
	cfg.Max403Retries = 1

	calls := 0
	fake := &fakeClient{}
	fake.handler = func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			// Plain rejection, not a challenge page.
			return challengeResponse(403, "<html>forbidden</html>"), nil
		}
		return textResponse(200, "ok", nil), nil
	}

	s, err := NewWithClient(cfg, fake)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := s.Get(context.Background(), "https://example.com/page")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200 after refresh retry", resp.StatusCode)
	}
	// Initial 403, baseline probe, retried request.
	if calls != 3 {
		t.Errorf("dispatches = %d, want 3", calls)
	}
}

func TestAutoRefreshExhaustsRetries(t *testing.T) {
	cfg := quietConfig()
	cfg.DisableRefreshOn403 = false
	cfg.Max403Retries = 2

	fake := &fakeClient{
		handler: func(req *http.Request) (*http.Response, error) {
			return challengeResponse(403, "<html>forbidden</html>"), nil
		},
	}
	s, err := NewWithClient(cfg, fake)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := s.Get(context.Background(), "https://example.com/page")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != 403 {
		t.Errorf("status = %d, want the final 403 surfaced", resp.StatusCode)
	}
}

func TestNeedsRefresh(t *testing.T) {
	s, err := NewWithClient(quietConfig(), &fakeClient{})
	if err != nil {
		t.Fatal(err)
	}
	s.cfg.DisableScheduledRefresh = false
	s.cfg.DisableRefreshOn403 = false

	cur := time.Unix(10000, 0)
	s.now = func() time.Time { return cur }

	s.mu.Lock()
	s.createdAt = cur
	s.mu.Unlock()
	if s.needsRefresh() {
		t.Error("fresh session should not need refresh")
	}

	s.mu.Lock()
	s.last403 = cur.Add(-30 * time.Second)
	s.mu.Unlock()
	if !s.needsRefresh() {
		t.Error("session with a 403 in the last minute should need refresh")
	}

	s.mu.Lock()
	s.last403 = cur.Add(-2 * time.Minute)
	s.mu.Unlock()
	if s.needsRefresh() {
		t.Error("a stale 403 should not trigger refresh")
	}

	s.mu.Lock()
	s.createdAt = cur.Add(-2 * time.Hour)
	s.mu.Unlock()
	if !s.needsRefresh() {
		t.Error("aged-out session should need refresh")
	}

	s.cfg.DisableScheduledRefresh = true
	if s.needsRefresh() {
		t.Error("DisableScheduledRefresh must suppress the age trigger")
	}
}

func TestRefreshTriggersGateIndependently(t *testing.T) {
	newAged := func(t *testing.T) *Session {
		t.Helper()
		s, err := NewWithClient(quietConfig(), &fakeClient{})
		if err != nil {
			t.Fatal(err)
		}
		cur := time.Unix(10000, 0)
		s.now = func() time.Time { return cur }
		s.mu.Lock()
		s.createdAt = cur.Add(-2 * time.Hour)
		s.last403 = cur.Add(-30 * time.Second)
		s.mu.Unlock()
		return s
	}

	t.Run("scheduled stays live with 403 trigger off", func(t *testing.T) {
		s := newAged(t)
		s.cfg.DisableScheduledRefresh = false
		s.cfg.DisableRefreshOn403 = true
		if !s.needsRefresh() {
			t.Error("age trigger suppressed by the 403 switch")
		}
	})

	t.Run("403 trigger stays live with scheduled off", func(t *testing.T) {
		s := newAged(t)
		s.cfg.DisableScheduledRefresh = true
		s.cfg.DisableRefreshOn403 = false
		if !s.needsRefresh() {
			t.Error("403 trigger suppressed by the scheduled switch")
		}
	})

	t.Run("both off", func(t *testing.T) {
		s := newAged(t)
		if s.needsRefresh() {
			t.Error("needsRefresh() = true with both triggers disabled")
		}
	})
}
