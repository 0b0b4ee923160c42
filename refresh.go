package clearance

import (
	"context"
	"fmt"
	"net/url"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

// protectionCookieNames is the exact cookie set a refresh removes. Nothing
// else in the jar is touched, so application cookies survive an identity
// rotation.
var protectionCookieNames = []string{
	"cf_clearance",
	"cf_chl_2",
	"cf_chl_prog",
	"cf_chl_rc_ni",
	"cf_turnstile",
	"__cf_bm",
}

// tokenCookieNames is the subset callers extract through GetTokens. The
// __cf_bm bot-management cookie is bound to the issuing transport and is
// useless replayed elsewhere, so it stays out.
var tokenCookieNames = []string{
	"cf_clearance",
	"cf_chl_2",
	"cf_chl_prog",
	"cf_chl_rc_ni",
	"cf_turnstile",
}

// recent403Window is how long after a 403 the session counts as unhealthy.
const recent403Window = time.Minute

// baselineAcceptable are the statuses a post-refresh probe may return for
// the refresh to count as successful.
func baselineAcceptable(code int) bool {
	switch code {
	case http.StatusOK, http.StatusMovedPermanently, http.StatusFound, http.StatusNotModified:
		return true
	}
	return false
}

// needsRefresh reports whether the session identity has aged out or has
// been rejected recently. The two triggers are gated independently.
func (s *Session) needsRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.cfg.DisableScheduledRefresh && now.Sub(s.createdAt) > s.cfg.RefreshInterval {
		return true
	}
	if !s.cfg.DisableRefreshOn403 && !s.last403.IsZero() && now.Sub(s.last403) < recent403Window {
		return true
	}
	return false
}

// Refresh discards the session's protection state and rotates its identity:
// challenge cookies are cleared for every origin this session has touched,
// a new browser profile is drawn, the transport is rebuilt around the
// surviving cookie jar, and an unthrottled baseline probe confirms the new
// identity is accepted.
func (s *Session) Refresh(ctx context.Context, rawURL string) error {
	return s.refresh(ctx, rawURL)
}

func (s *Session) refresh(ctx context.Context, baselineURL string) error {
	s.clearProtectionCookies()

	s.mu.Lock()
	oldProfile := s.profile
	s.profile = randomProfile(oldProfile)
	profile := s.profile
	proxyURL := s.proxyURL
	ownsTransport := s.jar != nil
	s.mu.Unlock()

	if ownsTransport {
		client, err := newTransport(&s.cfg, profile, s.jar, proxyURL)
		if err != nil {
			// Roll the profile back; the old transport is still usable.
			s.mu.Lock()
			s.profile = oldProfile
			s.mu.Unlock()
			return fmt.Errorf("refresh transport rebuild: %w", err)
		}
		s.mu.Lock()
		s.client = client
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.createdAt = s.now()
	s.requestCount = 0
	s.depth = 0
	s.last403 = time.Time{}
	s.mu.Unlock()

	s.logger.Log("session %s: refreshed identity to %s", s.ID, profile.Name)

	// The probe goes to the origin root, not the path that triggered the
	// refresh.
	origin, err := originOf(baselineURL)
	if err != nil {
		return fmt.Errorf("refresh baseline origin: %w", err)
	}
	resp, _, err := s.sendChallenge(ctx, http.MethodGet, origin, navigationHeaders(profile), nil)
	if err != nil {
		return fmt.Errorf("refresh baseline probe: %w", err)
	}
	if !baselineAcceptable(resp.StatusCode) {
		return fmt.Errorf("refresh baseline probe returned status %d", resp.StatusCode)
	}
	return nil
}

// clearProtectionCookies expires the challenge cookie set on every origin
// the session has requested.
func (s *Session) clearProtectionCookies() {
	s.mu.Lock()
	origins := make([]*url.URL, 0, len(s.origins))
	for _, u := range s.origins {
		origins = append(origins, u)
	}
	s.mu.Unlock()

	for _, u := range origins {
		expired := make([]*http.Cookie, 0, len(protectionCookieNames))
		for _, name := range protectionCookieNames {
			expired = append(expired, &http.Cookie{
				Name:    name,
				Value:   "",
				Path:    "/",
				Domain:  u.Host,
				MaxAge:  -1,
				Expires: time.Unix(0, 0),
			})
		}
		s.transport().SetCookies(u, expired)
	}
}
