package clearance

import (
	"net"
	"strconv"
	"strings"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

// Default values applied by New when the corresponding Config field is zero.
const (
	DefaultSolveDepth         = 3
	DefaultTimeout            = 30 * time.Second
	DefaultRefreshInterval    = time.Hour
	DefaultMax403Retries      = 3
	DefaultMinRequestInterval = time.Second
	DefaultMaxConcurrent      = 1
	DefaultProxyBanDuration   = 5 * time.Minute
	DefaultMinDelay           = 500 * time.Millisecond
	DefaultMaxDelay           = 2 * time.Second
	DefaultECDHCurve          = "prime256v1"
	DefaultInterpreter        = "otto"
)

// PreHook may rewrite a request before dispatch. Returning an error aborts
// the request.
type PreHook func(s *Session, req *http.Request) error

// PostHook may substitute the response after dispatch and before
// classification.
type PostHook func(s *Session, resp *http.Response) (*http.Response, error)

// Config configures a Session. The zero value is usable: every boolean is
// phrased so that false selects the default behavior, and zero numeric
// fields take the Default* constants above.
type Config struct {
	// Challenge handling. Each variant can be disabled individually; a
	// disabled variant is never classified or solved.
	DisableV1        bool
	DisableV2        bool
	DisableV3        bool
	DisableTurnstile bool

	// SolveDepth bounds chained challenge resolutions for one logical
	// request before LoopProtectionError.
	SolveDepth int

	// DisableDoubleDown skips the extra challenge-page re-request some
	// variants perform before solving.
	DisableDoubleDown bool

	// Interpreter selects the JavaScript engine for the v1/v3 solvers.
	// Only "otto" is built in.
	Interpreter string

	// Browser pins the identity profile by name ("chrome-133", ...).
	// Empty picks one at random.
	Browser string

	// TLS fingerprint. CipherSuites accepts IANA or OpenSSL style names;
	// empty means the selected browser profile's ClientHello is used as-is.
	CipherSuites  []string
	ECDHCurve     string
	SourceAddress string // "ip" or "ip:port"
	ServerName    string // SNI override when connecting to an IP literal
	Timeout       time.Duration

	// DisableRedirects stops the transport from following 3xx responses.
	DisableRedirects bool

	// Proxy rotation.
	Proxies          []string
	ProxyRotation    string // "sequential" (default), "random", "smart"
	ProxyBanDuration time.Duration

	// Stealth.
	DisableStealth             bool
	DisableDelays              bool
	DisableHeaderRandomization bool
	DisableBrowserQuirks       bool
	MinDelay                   time.Duration
	MaxDelay                   time.Duration

	// Session health. Scheduled (age-based) refresh and 403-triggered
	// refresh are independent switches.
	RefreshInterval         time.Duration
	DisableScheduledRefresh bool
	DisableRefreshOn403     bool
	Max403Retries           int

	// Throttling.
	MinRequestInterval time.Duration
	MaxConcurrent      int

	// Captcha backend used by the v2-captcha and Turnstile solvers.
	Captcha CaptchaConfig

	PreHook  PreHook
	PostHook PostHook

	Logger Logger
	Debug  bool
}

// withDefaults returns a copy of cfg with zero fields replaced by defaults.
func (cfg Config) withDefaults() Config {
	if cfg.SolveDepth == 0 {
		cfg.SolveDepth = DefaultSolveDepth
	}
	if cfg.Interpreter == "" {
		cfg.Interpreter = DefaultInterpreter
	}
	if cfg.ECDHCurve == "" {
		cfg.ECDHCurve = DefaultECDHCurve
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ProxyRotation == "" {
		cfg.ProxyRotation = RotationSequential
	}
	if cfg.ProxyBanDuration == 0 {
		cfg.ProxyBanDuration = DefaultProxyBanDuration
	}
	if cfg.MinDelay == 0 {
		cfg.MinDelay = DefaultMinDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Max403Retries == 0 {
		cfg.Max403Retries = DefaultMax403Retries
	}
	if cfg.MinRequestInterval == 0 {
		cfg.MinRequestInterval = DefaultMinRequestInterval
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Logger == nil {
		cfg.Logger = NewNoopLogger()
	}
	return cfg
}

// validate rejects malformed configuration up front so that no request is
// ever issued from a half-broken session.
func (cfg *Config) validate() error {
	if cfg.SolveDepth < 0 {
		return configErrorf("SolveDepth", "must be >= 0, got %d", cfg.SolveDepth)
	}
	if cfg.MaxConcurrent < 1 {
		return configErrorf("MaxConcurrent", "must be >= 1, got %d", cfg.MaxConcurrent)
	}
	if cfg.MinRequestInterval < 0 {
		return configErrorf("MinRequestInterval", "must be >= 0, got %v", cfg.MinRequestInterval)
	}
	if cfg.MinDelay > cfg.MaxDelay {
		return configErrorf("MinDelay", "min delay %v exceeds max delay %v", cfg.MinDelay, cfg.MaxDelay)
	}
	switch cfg.ProxyRotation {
	case RotationSequential, RotationRandom, RotationSmart:
	default:
		return configErrorf("ProxyRotation", "unknown strategy %q", cfg.ProxyRotation)
	}
	if cfg.Interpreter != DefaultInterpreter {
		return configErrorf("Interpreter", "unknown interpreter %q", cfg.Interpreter)
	}
	if _, err := parseSourceAddress(cfg.SourceAddress); err != nil {
		return err
	}
	if _, err := curveByName(cfg.ECDHCurve); err != nil {
		return err
	}
	if _, err := cipherSuitesByName(cfg.CipherSuites); err != nil {
		return err
	}
	return nil
}

// parseSourceAddress accepts an IP address string or an "ip:port" pair and
// returns the local TCP address to bind outgoing connections to. An empty
// string means no binding.
func parseSourceAddress(addr string) (*net.TCPAddr, error) {
	if addr == "" {
		return nil, nil
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// No port part; treat the whole string as an address.
		host, portStr = addr, "0"
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil, configErrorf("SourceAddress", "must be an IP address or ip:port pair, got %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, configErrorf("SourceAddress", "invalid port in %q", addr)
	}
	return &net.TCPAddr{IP: ip, Port: port}, nil
}

// joinCipherSuite renders a cipher list in the colon-joined wire format.
func joinCipherSuite(suites []string) string {
	return strings.Join(suites, ":")
}
