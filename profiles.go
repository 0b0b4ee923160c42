package clearance

import (
	"math/rand"
	"sync"

	"github.com/bogdanfinn/tls-client/profiles"
)

// BrowserProfile bundles a TLS client profile with the header identity that
// has to match it: a ClientHello that says Chrome with headers that say
// Firefox is a detection giveaway.
type BrowserProfile struct {
	Name            string
	TLSProfile      profiles.ClientProfile
	UserAgent       string
	SecChUa         string
	FullVersionList string
	Platform        string
	Mobile          string
	// CipherHints is the suite list callers get from GetTokens-style
	// integrations that replay our fingerprint elsewhere.
	CipherHints []string
}

var chromeCipherHints = []string{
	"TLS_AES_128_GCM_SHA256",
	"TLS_AES_256_GCM_SHA384",
	"TLS_CHACHA20_POLY1305_SHA256",
	"ECDHE-ECDSA-AES128-GCM-SHA256",
	"ECDHE-RSA-AES128-GCM-SHA256",
	"ECDHE-ECDSA-AES256-GCM-SHA384",
	"ECDHE-RSA-AES256-GCM-SHA384",
	"ECDHE-ECDSA-CHACHA20-POLY1305",
	"ECDHE-RSA-CHACHA20-POLY1305",
	"ECDHE-RSA-AES128-SHA",
	"ECDHE-RSA-AES256-SHA",
	"AES128-GCM-SHA256",
	"AES256-GCM-SHA384",
	"AES128-SHA",
	"AES256-SHA",
}

var firefoxCipherHints = []string{
	"TLS_AES_128_GCM_SHA256",
	"TLS_CHACHA20_POLY1305_SHA256",
	"TLS_AES_256_GCM_SHA384",
	"ECDHE-ECDSA-AES128-GCM-SHA256",
	"ECDHE-RSA-AES128-GCM-SHA256",
	"ECDHE-ECDSA-CHACHA20-POLY1305",
	"ECDHE-RSA-CHACHA20-POLY1305",
	"ECDHE-ECDSA-AES256-GCM-SHA384",
	"ECDHE-RSA-AES256-GCM-SHA384",
	"ECDHE-RSA-AES128-SHA",
	"ECDHE-RSA-AES256-SHA",
	"AES128-GCM-SHA256",
	"AES256-GCM-SHA384",
	"AES128-SHA",
	"AES256-SHA",
}

// builtinProfiles is the identity pool New and refresh draw from.
var builtinProfiles = []*BrowserProfile{
	{
		Name:            "chrome-133",
		TLSProfile:      profiles.Chrome_133,
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
		SecChUa:         `"Not(A:Brand";v="99", "Google Chrome";v="133", "Chromium";v="133"`,
		FullVersionList: `"Not(A:Brand";v="99.0.0.0", "Google Chrome";v="133.0.6943.98", "Chromium";v="133.0.6943.98"`,
		Platform:        `"Windows"`,
		Mobile:          "?0",
		CipherHints:     chromeCipherHints,
	},
	{
		Name:            "chrome-131",
		TLSProfile:      profiles.Chrome_131,
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		SecChUa:         `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		FullVersionList: `"Google Chrome";v="131.0.6778.86", "Chromium";v="131.0.6778.86", "Not_A Brand";v="24.0.0.0"`,
		Platform:        `"Windows"`,
		Mobile:          "?0",
		CipherHints:     chromeCipherHints,
	},
	{
		Name:            "chrome-124",
		TLSProfile:      profiles.Chrome_124,
		UserAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		SecChUa:         `"Chromium";v="124", "Google Chrome";v="124", "Not-A.Brand";v="99"`,
		FullVersionList: `"Chromium";v="124.0.6367.62", "Google Chrome";v="124.0.6367.62", "Not-A.Brand";v="99.0.0.0"`,
		Platform:        `"macOS"`,
		Mobile:          "?0",
		CipherHints:     chromeCipherHints,
	},
	{
		Name:        "firefox-117",
		TLSProfile:  profiles.Firefox_117,
		UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:117.0) Gecko/20100101 Firefox/117.0",
		Platform:    `"Windows"`,
		Mobile:      "?0",
		CipherHints: firefoxCipherHints,
	},
}

var profileRand = struct {
	sync.Mutex
	*rand.Rand
}{Rand: rand.New(rand.NewSource(rand.Int63()))}

// profileByName returns the named builtin profile, or nil.
func profileByName(name string) *BrowserProfile {
	for _, p := range builtinProfiles {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// randomProfile picks a builtin profile, excluding the given one when more
// than one candidate exists so identity rotation actually rotates.
func randomProfile(exclude *BrowserProfile) *BrowserProfile {
	profileRand.Lock()
	defer profileRand.Unlock()

	for {
		p := builtinProfiles[profileRand.Intn(len(builtinProfiles))]
		if p != exclude || len(builtinProfiles) == 1 {
			return p
		}
	}
}

// IsChrome reports whether the profile sends client-hint headers.
func (p *BrowserProfile) IsChrome() bool {
	return p.SecChUa != ""
}
