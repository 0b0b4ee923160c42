package clearance

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/anaskhan96/soup"
	http "github.com/bogdanfinn/fhttp"
)

// chlOpts holds the fields of the window._cf_chl_opt object embedded in
// challenge-platform pages. cRay and cHash address the flow endpoint; md is
// the opaque state blob echoed back on submission.
type chlOpts struct {
	cvID  string
	cZone string
	cType string
	cRay  string
	cHash string
	md    string
	fa    string
}

var (
	chlOptBlockRe = regexp.MustCompile(`window\._cf_chl_opt\s*=\s*\{([\s\S]*?)\};`)
	chlOptFieldRe = regexp.MustCompile(`(\w+):\s*['"]([^'"]*)['"]`)
)

func parseChlOpts(body []byte) (*chlOpts, error) {
	block := chlOptBlockRe.FindSubmatch(body)
	if block == nil {
		return nil, fmt.Errorf("challenge page has no _cf_chl_opt block")
	}

	opts := &chlOpts{}
	for _, m := range chlOptFieldRe.FindAllStringSubmatch(string(block[1]), -1) {
		switch m[1] {
		case "cvId":
			opts.cvID = m[2]
		case "cZone":
			opts.cZone = m[2]
		case "cType":
			opts.cType = m[2]
		case "cRay":
			opts.cRay = m[2]
		case "cHash":
			opts.cHash = m[2]
		case "md", "cMd":
			opts.md = m[2]
		case "fa", "cFA":
			opts.fa = m[2]
		}
	}
	if opts.cRay == "" || opts.cHash == "" {
		return nil, fmt.Errorf("challenge page _cf_chl_opt is missing cRay/cHash")
	}
	return opts, nil
}

// parseChallengeForm extracts the answer form's target, method and hidden
// inputs from a challenge page.
func parseChallengeForm(pageURL string, body []byte) (action, method string, fields url.Values, err error) {
	doc := soup.HTMLParse(string(body))

	form := doc.Find("form", "id", "challenge-form")
	if form.Error != nil {
		form = doc.Find("form")
	}
	if form.Error != nil {
		return "", "", nil, fmt.Errorf("challenge page has no answer form")
	}

	action = htmlUnescape(form.Attrs()["action"])
	if action == "" {
		action = pageURL
	}
	action, err = resolveRef(pageURL, action)
	if err != nil {
		return "", "", nil, fmt.Errorf("challenge form action: %w", err)
	}

	method = strings.ToUpper(form.Attrs()["method"])
	if method == "" {
		method = http.MethodGet
	}

	fields = url.Values{}
	for _, input := range form.FindAll("input") {
		name := input.Attrs()["name"]
		if name == "" {
			continue
		}
		fields.Set(name, htmlUnescape(input.Attrs()["value"]))
	}
	return action, method, fields, nil
}

// hiddenDivRe matches the display:none divs challenge scripts read their
// constants from.
var hiddenDivRe = regexp.MustCompile(`<div[^>]+id="([^"]+)"[^>]*>([^<]*)</div>`)

func seedHiddenDivs(interp *jsInterpreter, body []byte) error {
	for _, m := range hiddenDivRe.FindAllSubmatch(body, -1) {
		if err := interp.seedHiddenDiv(string(m[1]), string(m[2])); err != nil {
			return err
		}
	}
	return nil
}

// challengeHeaders is the header set for sub-requests issued while solving:
// same as a navigation but marked same-origin with the challenge page as
// referer.
func challengeHeaders(profile *BrowserProfile, referer string) http.Header {
	h := navigationHeaders(profile)
	h.Set("referer", referer)
	h.Set("sec-fetch-site", "same-origin")
	order := h[http.HeaderOrderKey]
	h[http.HeaderOrderKey] = append(append([]string(nil), order...), "referer")
	return h
}

// scriptFetchHeaders marks a sub-request as a script load.
func scriptFetchHeaders(profile *BrowserProfile, referer string) http.Header {
	h := challengeHeaders(profile, referer)
	h.Set("accept", "*/*")
	h.Set("sec-fetch-mode", "no-cors")
	h.Set("sec-fetch-dest", "script")
	h.Del("sec-fetch-user")
	h.Del("upgrade-insecure-requests")
	return h
}

// submitForm POSTs url-encoded answer fields to the flow endpoint through
// the session's raw dispatch path.
func submitForm(ctx context.Context, s *Session, ch *Challenge, action string, fields url.Values) (*http.Response, []byte, error) {
	h := challengeHeaders(s.browserProfile(), ch.URL)
	h.Set("content-type", "application/x-www-form-urlencoded")
	h.Set("origin", mustOrigin(ch.URL))
	return s.sendChallenge(ctx, http.MethodPost, action, h, []byte(fields.Encode()))
}

func mustOrigin(rawURL string) string {
	origin, err := originOf(rawURL)
	if err != nil {
		return rawURL
	}
	return origin
}

// flowURL is the challenge-platform answer endpoint for a ray/hash pair.
func flowURL(pageURL string, opts *chlOpts) string {
	return fmt.Sprintf("%s/cdn-cgi/challenge-platform/h/g/flow/ov1/%s/%s", mustOrigin(pageURL), opts.cRay, opts.cHash)
}

// orchestrateURL is the challenge-platform script endpoint for a variant.
func orchestrateURL(pageURL, variant, ray string) string {
	u := fmt.Sprintf("%s/cdn-cgi/challenge-platform/h/g/orchestrate/%s/v1", mustOrigin(pageURL), variant)
	if ray != "" {
		u += "?ray=" + ray
	}
	return u
}
