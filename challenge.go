package clearance

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	http "github.com/bogdanfinn/fhttp"
)

// ChallengeKind identifies which protection variant a response was
// classified as.
type ChallengeKind int

const (
	ChallengeNone ChallengeKind = iota
	ChallengeV1                 // legacy redirect/IUAM form challenge
	ChallengeV2                 // interactive JS challenge
	ChallengeV2Captcha          // captcha-gated variant of v2
	ChallengeV3                 // JS-VM challenge
	ChallengeTurnstile
)

func (k ChallengeKind) String() string {
	switch k {
	case ChallengeNone:
		return "none"
	case ChallengeV1:
		return "v1"
	case ChallengeV2:
		return "v2"
	case ChallengeV2Captcha:
		return "v2-captcha"
	case ChallengeV3:
		return "v3"
	case ChallengeTurnstile:
		return "turnstile"
	default:
		return "unknown"
	}
}

// Challenge is the ephemeral per-request value handed to a solver: the
// response that triggered classification plus the original request context
// and the depth at which it occurred. Discarded after resolution or failure.
type Challenge struct {
	ID     string
	Kind   ChallengeKind
	Method string
	URL    string

	Response *http.Response
	Body     []byte
	Depth    int

	opts *RequestOptions
}

// Solver resolves one challenge variant. Solve installs the variant's
// clearance cookies on the session (issuing whatever sub-requests it needs
// through Session.SendRaw); the session then retries the original request.
type Solver interface {
	Solve(ctx context.Context, s *Session, ch *Challenge) error
}

// =============================================================================
// Detection
// =============================================================================

var (
	v1FormRe     = regexp.MustCompile(`(?i)<form[^>]+id="challenge-form"|name="jschl_vc"|/cdn-cgi/l/chk_jschl`)
	v2PlatformRe = regexp.MustCompile(`cpo\.src\s*=\s*['"]/cdn-cgi/challenge-platform/\S*orchestrate/(jsch|managed)/v1`)
	v3PlatformRe = regexp.MustCompile(`cpo\.src\s*=\s*['"]/cdn-cgi/challenge-platform/\S*orchestrate/(jsd|jsvm)/v1`)
	v2CaptchaRe  = regexp.MustCompile(`/cdn-cgi/challenge-platform/\S*orchestrate/captcha/v1|data-sitekey="[^"]+"\s+data-callback`)
	turnstileRe  = regexp.MustCompile(`challenges\.cloudflare\.com/turnstile/v0|cf-turnstile-response|class="cf-turnstile"`)
	chlOptRe     = regexp.MustCompile(`window\._cf_chl_opt`)
	cvIDRe       = regexp.MustCompile(`cvId:\s*['"](\d)['"]`)
)

// fromProtectionLayer reports whether the response carries the reverse
// proxy's signature. Every variant check starts here so that origin pages
// that merely mention challenge markers are never misclassified.
func fromProtectionLayer(resp *http.Response) bool {
	server := strings.ToLower(resp.Header.Get("Server"))
	return strings.Contains(server, "cloudflare")
}

func challengeStatus(code int) bool {
	return code == http.StatusForbidden ||
		code == http.StatusTooManyRequests ||
		code == http.StatusServiceUnavailable
}

// IsV1Challenge detects the legacy redirect challenge: a 429/503 carrying
// the old answer form.
func IsV1Challenge(resp *http.Response, body []byte) bool {
	if !fromProtectionLayer(resp) {
		return false
	}
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return false
	}
	return v1FormRe.Match(body)
}

// IsV2Challenge detects the interactive JS challenge served through the
// challenge platform orchestrator.
func IsV2Challenge(resp *http.Response, body []byte) bool {
	if !fromProtectionLayer(resp) || !challengeStatus(resp.StatusCode) {
		return false
	}
	return v2PlatformRe.Match(body) && chlOptRe.Match(body)
}

// IsV2CaptchaChallenge detects the captcha-gated v2 variant.
func IsV2CaptchaChallenge(resp *http.Response, body []byte) bool {
	if !fromProtectionLayer(resp) || !challengeStatus(resp.StatusCode) {
		return false
	}
	return v2CaptchaRe.Match(body) && chlOptRe.Match(body)
}

// IsV3Challenge detects the JS-VM challenge. The platform marks it with a
// jsd/jsvm orchestrator script or an explicit cvId of 3.
func IsV3Challenge(resp *http.Response, body []byte) bool {
	if !fromProtectionLayer(resp) || !challengeStatus(resp.StatusCode) {
		return false
	}
	if v3PlatformRe.Match(body) {
		return true
	}
	if m := cvIDRe.FindSubmatch(body); m != nil && string(m[1]) == "3" {
		return chlOptRe.Match(body)
	}
	return false
}

// IsTurnstileChallenge detects a standalone Turnstile interstitial. Widgets
// embedded in ordinary origin pages (status 200, no protection headers) do
// not count.
func IsTurnstileChallenge(resp *http.Response, body []byte) bool {
	if !fromProtectionLayer(resp) || !challengeStatus(resp.StatusCode) {
		return false
	}
	return turnstileRe.Match(body)
}

// classify runs the enabled variant checks in fixed priority order:
// narrowest and most modern first, the legacy fallback last, so a legacy
// style redirect that co-occurs with newer markers is never solved on the
// wrong path. First match wins.
func (s *Session) classify(resp *http.Response, body []byte) ChallengeKind {
	if len(body) == 0 {
		return ChallengeNone
	}
	if !s.cfg.DisableTurnstile && IsTurnstileChallenge(resp, body) {
		return ChallengeTurnstile
	}
	if !s.cfg.DisableV3 && IsV3Challenge(resp, body) {
		return ChallengeV3
	}
	if !s.cfg.DisableV2 && IsV2CaptchaChallenge(resp, body) {
		return ChallengeV2Captcha
	}
	if !s.cfg.DisableV2 && IsV2Challenge(resp, body) {
		return ChallengeV2
	}
	if !s.cfg.DisableV1 && IsV1Challenge(resp, body) {
		return ChallengeV1
	}
	return ChallengeNone
}

// extractSiteKey pulls the captcha/turnstile sitekey out of a challenge
// page.
var siteKeyRe = regexp.MustCompile(`data-sitekey="([^"]+)"|sitekey:\s*['"]([^'"]+)['"]`)

func extractSiteKey(body []byte) string {
	m := siteKeyRe.FindSubmatch(body)
	if m == nil {
		return ""
	}
	if len(m[1]) > 0 {
		return string(m[1])
	}
	return string(m[2])
}

// extractFormAction finds the challenge form's POST target relative to the
// page URL.
var formActionRe = regexp.MustCompile(`<form[^>]+action="([^"]+)"`)

func extractFormAction(body []byte) string {
	m := formActionRe.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return htmlUnescape(string(m[1]))
}

func htmlUnescape(s string) string {
	r := strings.NewReplacer("&amp;", "&", "&#x2F;", "/", "&quot;", `"`, "&#39;", "'")
	return r.Replace(s)
}

// bodyContains is a small helper for solvers checking page markers.
func bodyContains(body []byte, marker string) bool {
	return bytes.Contains(body, []byte(marker))
}
