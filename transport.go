package clearance

import (
	"net/url"

	http "github.com/bogdanfinn/fhttp"
	"github.com/bogdanfinn/fhttp/http2"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
	tls "github.com/bogdanfinn/utls"
)

// HTTPClient is the narrow slice of the underlying transport the session
// depends on. tls_client.HttpClient satisfies it; tests inject fakes.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
	GetCookies(u *url.URL) []*http.Cookie
	SetCookies(u *url.URL, cookies []*http.Cookie)
	SetProxy(proxyURL string) error
}

// CipherProfile is the TLS fingerprint bound to one transport: the cipher
// suite list in wire-format order, the key-exchange curve, and the protocol
// version bounds. Immutable once the transport is built.
type CipherProfile struct {
	Suites     []uint16
	SuiteNames []string
	Curve      tls.CurveID
	MinVersion uint16
	MaxVersion uint16
}

// String renders the suite list in the colon-joined format the underlying
// TLS layer expects.
func (cp CipherProfile) String() string {
	return joinCipherSuite(cp.SuiteNames)
}

// cipherSuiteNames maps both IANA and OpenSSL style names to TLS cipher
// suite IDs. Unknown names are a configuration error, not a silent skip.
var cipherSuiteNames = map[string]uint16{
	// TLS 1.3
	"TLS_AES_128_GCM_SHA256":       tls.TLS_AES_128_GCM_SHA256,
	"TLS_AES_256_GCM_SHA384":       tls.TLS_AES_256_GCM_SHA384,
	"TLS_CHACHA20_POLY1305_SHA256": tls.TLS_CHACHA20_POLY1305_SHA256,

	// TLS 1.2, IANA names
	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256":        tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256":          tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384":        tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384":          tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256":  tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256":    tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	"TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA":             tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	"TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA":             tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	"TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA":           tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	"TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA":           tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	"TLS_RSA_WITH_AES_128_GCM_SHA256":                tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	"TLS_RSA_WITH_AES_256_GCM_SHA384":                tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	"TLS_RSA_WITH_AES_128_CBC_SHA":                   tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	"TLS_RSA_WITH_AES_256_CBC_SHA":                   tls.TLS_RSA_WITH_AES_256_CBC_SHA,

	// OpenSSL names as they appear in browser cipher strings
	"ECDHE-ECDSA-AES128-GCM-SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-RSA-AES128-GCM-SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-ECDSA-AES256-GCM-SHA384": tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-RSA-AES256-GCM-SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-ECDSA-CHACHA20-POLY1305": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	"ECDHE-RSA-CHACHA20-POLY1305":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	"ECDHE-RSA-AES128-SHA":          tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	"ECDHE-RSA-AES256-SHA":          tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	"ECDHE-ECDSA-AES128-SHA":        tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	"ECDHE-ECDSA-AES256-SHA":        tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	"AES128-GCM-SHA256":             tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	"AES256-GCM-SHA384":             tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	"AES128-SHA":                    tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	"AES256-SHA":                    tls.TLS_RSA_WITH_AES_256_CBC_SHA,
}

var curveNames = map[string]tls.CurveID{
	"prime256v1": tls.CurveP256,
	"secp256r1":  tls.CurveP256,
	"P-256":      tls.CurveP256,
	"secp384r1":  tls.CurveP384,
	"P-384":      tls.CurveP384,
	"secp521r1":  tls.CurveP521,
	"P-521":      tls.CurveP521,
	"x25519":     tls.X25519,
	"X25519":     tls.X25519,
}

func cipherSuitesByName(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := cipherSuiteNames[name]
		if !ok {
			return nil, configErrorf("CipherSuites", "unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func curveByName(name string) (tls.CurveID, error) {
	id, ok := curveNames[name]
	if !ok {
		return 0, configErrorf("ECDHCurve", "unknown curve %q", name)
	}
	return id, nil
}

// newCipherProfile resolves the configured cipher/curve names into a
// CipherProfile with a TLS 1.2 floor and 1.3 ceiling.
func newCipherProfile(cfg *Config) (*CipherProfile, error) {
	suites, err := cipherSuitesByName(cfg.CipherSuites)
	if err != nil {
		return nil, err
	}
	if suites == nil {
		return nil, nil
	}
	curve, err := curveByName(cfg.ECDHCurve)
	if err != nil {
		return nil, err
	}
	return &CipherProfile{
		Suites:     suites,
		SuiteNames: append([]string(nil), cfg.CipherSuites...),
		Curve:      curve,
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,
	}, nil
}

// clientHelloSpec assembles a ClientHello carrying the profile's cipher
// list and curve. Extension layout follows Chrome's: SNI, groups, ALPN,
// signature algorithms, supported versions bounded to [1.2, 1.3], key
// shares on the configured curve.
func (cp *CipherProfile) clientHelloSpec() tls.ClientHelloSpec {
	curves := []tls.CurveID{tls.X25519, cp.Curve}
	if cp.Curve == tls.X25519 {
		curves = []tls.CurveID{tls.X25519, tls.CurveP256}
	}

	return tls.ClientHelloSpec{
		CipherSuites: append([]uint16(nil), cp.Suites...),
		CompressionMethods: []byte{
			tls.CompressionNone,
		},
		Extensions: []tls.TLSExtension{
			&tls.SNIExtension{},
			&tls.ExtendedMasterSecretExtension{},
			&tls.RenegotiationInfoExtension{Renegotiation: tls.RenegotiateOnceAsClient},
			&tls.SupportedCurvesExtension{Curves: curves},
			&tls.SupportedPointsExtension{SupportedPoints: []byte{tls.PointFormatUncompressed}},
			&tls.SessionTicketExtension{},
			&tls.ALPNExtension{AlpnProtocols: []string{"h2", "http/1.1"}},
			&tls.StatusRequestExtension{},
			&tls.SignatureAlgorithmsExtension{
				SupportedSignatureAlgorithms: []tls.SignatureScheme{
					tls.ECDSAWithP256AndSHA256,
					tls.PSSWithSHA256,
					tls.PKCS1WithSHA256,
					tls.ECDSAWithP384AndSHA384,
					tls.PSSWithSHA384,
					tls.PKCS1WithSHA384,
					tls.PSSWithSHA512,
					tls.PKCS1WithSHA512,
				},
			},
			&tls.SCTExtension{},
			&tls.KeyShareExtension{
				KeyShares: []tls.KeyShare{
					{Group: curves[0]},
					{Group: curves[1]},
				},
			},
			&tls.PSKKeyExchangeModesExtension{Modes: []uint8{tls.PskModeDHE}},
			&tls.SupportedVersionsExtension{
				Versions: []uint16{cp.MaxVersion, cp.MinVersion},
			},
			&tls.UtlsCompressCertExtension{Algorithms: []tls.CertCompressionAlgo{tls.CertCompressionBrotli}},
			&tls.ApplicationSettingsExtension{SupportedProtocols: []string{"h2"}},
		},
	}
}

// clientProfile wraps the spec with the HTTP/2 frame parameters browsers
// send alongside it.
func (cp *CipherProfile) clientProfile() profiles.ClientProfile {
	spec := cp.clientHelloSpec()
	helloID := tls.ClientHelloID{
		Client:  "Custom",
		Version: "1",
		Seed:    nil,
		SpecFactory: func() (tls.ClientHelloSpec, error) {
			return spec, nil
		},
	}

	return profiles.NewClientProfile(
		helloID,
		map[http2.SettingID]uint32{
			http2.SettingHeaderTableSize:   65536,
			http2.SettingEnablePush:        0,
			http2.SettingInitialWindowSize: 6291456,
			http2.SettingMaxHeaderListSize: 262144,
		},
		[]http2.SettingID{
			http2.SettingHeaderTableSize,
			http2.SettingEnablePush,
			http2.SettingInitialWindowSize,
			http2.SettingMaxHeaderListSize,
		},
		pseudoHeaderOrder,
		15663105,
		nil,
		nil,
	)
}

// newTransport builds the fingerprinted HTTP client for a session. The
// cipher profile (when configured) overrides the browser profile's stock
// ClientHello; proxy, source address and SNI override are applied here so
// the rest of the session treats the client as a plain HTTPClient.
func newTransport(cfg *Config, profile *BrowserProfile, jar http.CookieJar, proxyURL string) (tls_client.HttpClient, error) {
	cipherProfile, err := newCipherProfile(cfg)
	if err != nil {
		return nil, err
	}

	clientProfile := profile.TLSProfile
	if cipherProfile != nil {
		clientProfile = cipherProfile.clientProfile()
	}

	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(int(cfg.Timeout.Seconds())),
		tls_client.WithClientProfile(clientProfile),
		tls_client.WithCookieJar(jar),
	}
	if cfg.DisableRedirects {
		options = append(options, tls_client.WithNotFollowRedirects())
	}
	if proxyURL != "" {
		options = append(options, tls_client.WithProxyUrl(proxyURL))
	}

	if srcAddr, err := parseSourceAddress(cfg.SourceAddress); err != nil {
		return nil, err
	} else if srcAddr != nil {
		options = append(options, tls_client.WithLocalAddr(*srcAddr))
	}

	// Presenting an explicit server name while dialing an IP literal means
	// the literal target cannot pass hostname verification; the override
	// replaces it as the pinned identity.
	if cfg.ServerName != "" {
		options = append(options,
			tls_client.WithServerNameOverwrite(cfg.ServerName),
			tls_client.WithInsecureSkipVerify(),
		)
	}

	return tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
}
