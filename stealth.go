package clearance

import (
	"math/rand"
	"sync"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

// StealthPolicy injects per-request timing jitter and benign header
// variability, independent of the TLS fingerprint. Apart from the injected
// delay it never blocks, and it is safe for concurrent calls: the random
// source is the only shared state.
type StealthPolicy struct {
	delays   bool
	headers  bool
	quirks   bool
	minDelay time.Duration
	maxDelay time.Duration
	sleep    func(time.Duration)
	mu       sync.Mutex
	rand     *rand.Rand
}

func newStealthPolicy(cfg *Config) *StealthPolicy {
	return &StealthPolicy{
		delays:   !cfg.DisableDelays,
		headers:  !cfg.DisableHeaderRandomization,
		quirks:   !cfg.DisableBrowserQuirks,
		minDelay: cfg.MinDelay,
		maxDelay: cfg.MaxDelay,
		sleep:    time.Sleep,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

var acceptLanguageVariants = []string{
	"en-US,en;q=0.9",
	"en-US,en;q=0.9,es;q=0.8",
	"en-US,en;q=0.8",
	"en-GB,en-US;q=0.9,en;q=0.8",
	"en-US,en;q=0.9,fr;q=0.7",
}

// Apply sleeps a human-like interval and mutates the header set for one
// outgoing request. The passed header is modified in place and returned.
func (sp *StealthPolicy) Apply(method, urlStr string, h http.Header, profile *BrowserProfile) http.Header {
	if sp.delays {
		sp.sleep(sp.delay())
	}
	if h == nil {
		h = http.Header{}
	}
	if sp.headers {
		sp.randomizeHeaders(h)
	}
	if sp.quirks {
		applyBrowserQuirks(h, profile)
	}
	return h
}

// delay draws a uniform duration from [minDelay, maxDelay].
func (sp *StealthPolicy) delay() time.Duration {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	span := sp.maxDelay - sp.minDelay
	if span <= 0 {
		return sp.minDelay
	}
	return sp.minDelay + time.Duration(sp.rand.Int63n(int64(span)))
}

// randomizeHeaders varies non-semantic headers so consecutive requests do
// not share a byte-identical profile.
func (sp *StealthPolicy) randomizeHeaders(h http.Header) {
	sp.mu.Lock()
	lang := acceptLanguageVariants[sp.rand.Intn(len(acceptLanguageVariants))]
	addDNT := sp.rand.Intn(4) == 0
	sp.mu.Unlock()

	if h.Get("Accept-Language") == "" {
		h.Set("Accept-Language", lang)
	}
	if addDNT {
		h.Set("DNT", "1")
	}
}

// applyBrowserQuirks keeps client-hint headers consistent with the identity
// profile: Chrome sends sec-ch-ua, Firefox must not.
func applyBrowserQuirks(h http.Header, profile *BrowserProfile) {
	if profile == nil {
		return
	}
	if profile.IsChrome() {
		if h.Get("sec-ch-ua") == "" {
			h.Set("sec-ch-ua", profile.SecChUa)
		}
		if h.Get("sec-ch-ua-mobile") == "" {
			h.Set("sec-ch-ua-mobile", profile.Mobile)
		}
		if h.Get("sec-ch-ua-platform") == "" {
			h.Set("sec-ch-ua-platform", profile.Platform)
		}
		return
	}
	h.Del("sec-ch-ua")
	h.Del("sec-ch-ua-mobile")
	h.Del("sec-ch-ua-platform")
}
