package clearance

import (
	"context"
	"fmt"
	"net/url"

	http "github.com/bogdanfinn/fhttp"
)

// v3Solver handles the JS-VM variant: the orchestrator ships a bytecode
// interpreter plus an encoded program, and the answer is whatever the
// program leaves in window._cf_chl_ans. The whole pipeline runs inside the
// in-process engine.
type v3Solver struct{}

func (v3Solver) Solve(ctx context.Context, s *Session, ch *Challenge) error {
	opts, err := parseChlOpts(ch.Body)
	if err != nil {
		return err
	}

	variant := "jsd"
	if opts.cType == "chl_jsvm_begin" || opts.cvID == "3" {
		variant = "jsvm"
	}

	h := scriptFetchHeaders(s.browserProfile(), ch.URL)
	resp, script, err := s.sendChallenge(ctx, http.MethodGet, orchestrateURL(ch.URL, variant, opts.cRay), h, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vm challenge script fetch returned status %d", resp.StatusCode)
	}

	interp, err := newJSInterpreter(s.browserProfile().UserAgent, ch.URL)
	if err != nil {
		return err
	}
	if err := seedHiddenDivs(interp, ch.Body); err != nil {
		return err
	}
	if _, err := interp.eval(string(script)); err != nil {
		return fmt.Errorf("vm challenge program: %w", err)
	}

	answer, err := interp.eval(`typeof window._cf_chl_ans !== "undefined" ? String(window._cf_chl_ans) : ""`)
	if err != nil {
		return err
	}
	if answer == "" {
		return fmt.Errorf("vm challenge program produced no answer")
	}
	if cookieStr, err := interp.cookie(); err == nil && cookieStr != "" {
		s.installCookieString(ch.URL, cookieStr)
	}

	fields := url.Values{}
	fields.Set("jschl_answer", answer)
	if opts.md != "" {
		fields.Set("md", opts.md)
	}

	submitResp, _, err := submitForm(ctx, s, ch, flowURL(ch.URL, opts), fields)
	if err != nil {
		return err
	}
	if submitResp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("vm challenge answer rejected with status %d", submitResp.StatusCode)
	}
	return nil
}
