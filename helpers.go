package clearance

import (
	"bytes"
	"io"
	"net/url"

	http "github.com/bogdanfinn/fhttp"
)

// pseudoHeaderOrder is the HTTP/2 pseudo-header order for all requests.
var pseudoHeaderOrder = []string{
	":method",
	":authority",
	":scheme",
	":path",
}

// drainResponse reads the (decompressed) body and rewinds the response so
// classification and the caller can both consume it. The Content-Encoding
// header is dropped because the stored bytes are already decoded.
func drainResponse(resp *http.Response) ([]byte, error) {
	if resp.Body == nil {
		return nil, nil
	}

	reader := http.DecompressBody(resp)
	body, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, err
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.Header.Del("Content-Encoding")
	resp.ContentLength = int64(len(body))
	return body, nil
}

// isRedirect reports whether the status code is a 3xx with a Location
// semantic.
func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect:
		return true
	}
	return false
}

// resolveRef resolves a possibly relative target against a base URL string.
func resolveRef(baseURL, ref string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	target, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(target).String(), nil
}

// originOf reduces a URL to scheme://host.
func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}

// navigationHeaders builds the browser-like header set for a top-level
// document request under the given identity profile, including the wire
// ordering the transport preserves.
func navigationHeaders(profile *BrowserProfile) http.Header {
	h := http.Header{
		"upgrade-insecure-requests": {"1"},
		"user-agent":                {profile.UserAgent},
		"accept":                    {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"},
		"sec-fetch-site":            {"none"},
		"sec-fetch-mode":            {"navigate"},
		"sec-fetch-user":            {"?1"},
		"sec-fetch-dest":            {"document"},
		"accept-encoding":           {"gzip, deflate, br"},
		"accept-language":           {"en-US,en;q=0.9"},
		http.HeaderOrderKey: {
			"upgrade-insecure-requests",
			"user-agent",
			"accept",
			"sec-fetch-site",
			"sec-fetch-mode",
			"sec-fetch-user",
			"sec-fetch-dest",
			"sec-ch-ua",
			"sec-ch-ua-mobile",
			"sec-ch-ua-platform",
			"accept-encoding",
			"accept-language",
			"cookie",
		},
		http.PHeaderOrderKey: pseudoHeaderOrder,
	}
	if profile.IsChrome() {
		h.Set("sec-ch-ua", profile.SecChUa)
		h.Set("sec-ch-ua-mobile", profile.Mobile)
		h.Set("sec-ch-ua-platform", profile.Platform)
	}
	return h
}
