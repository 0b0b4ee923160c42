package clearance

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

// v1Solver handles the legacy IUAM challenge: a 429/503 page carrying an
// obfuscated arithmetic script and a hidden answer form. The script is
// evaluated in-process, the page-mandated delay is honored, then the answer
// form is replayed against the origin.
type v1Solver struct{}

var (
	v1ScriptRe = regexp.MustCompile(`setTimeout\(\s*function\s*\(\s*\)\s*\{([\s\S]+?)\}\s*,\s*(\d+)\s*\)`)

	// Statements that drive the real browser's form submission. They are
	// stripped before evaluation since the answer value is read back from
	// the DOM stub instead.
	v1SubmitStmtRe = regexp.MustCompile(`(?m)^.*\bf\.(submit|action)\b.*$`)
)

func (v1Solver) Solve(ctx context.Context, s *Session, ch *Challenge) error {
	snippet, delay, err := extractV1Script(ch.Body)
	if err != nil {
		return err
	}

	interp, err := newJSInterpreter(s.browserProfile().UserAgent, ch.URL)
	if err != nil {
		return err
	}
	if err := seedHiddenDivs(interp, ch.Body); err != nil {
		return err
	}

	if _, err := interp.eval(v1SubmitStmtRe.ReplaceAllString(snippet, "")); err != nil {
		return fmt.Errorf("legacy challenge script: %w", err)
	}
	answer, err := interp.elementValue("jschl-answer")
	if err != nil {
		return err
	}
	if answer == "" {
		return fmt.Errorf("legacy challenge script produced no answer")
	}

	action, method, fields, err := parseChallengeForm(ch.URL, ch.Body)
	if err != nil {
		return err
	}
	fields.Set("jschl_answer", answer)

	// The page refuses answers submitted before its timer would have fired.
	s.sleepFor(ctx, delay)

	var resp *http.Response
	if method == http.MethodPost {
		resp, _, err = submitForm(ctx, s, ch, action, fields)
	} else {
		sep := "?"
		if strings.Contains(action, "?") {
			sep = "&"
		}
		h := challengeHeaders(s.browserProfile(), ch.URL)
		resp, _, err = s.sendChallenge(ctx, http.MethodGet, action+sep+fields.Encode(), h, nil)
	}
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("legacy challenge answer rejected with status %d", resp.StatusCode)
	}
	return nil
}

// extractV1Script pulls the challenge arithmetic out of the page's
// setTimeout wrapper along with the delay the page imposes.
func extractV1Script(body []byte) (snippet string, delay time.Duration, err error) {
	m := v1ScriptRe.FindSubmatch(body)
	if m == nil {
		return "", 0, fmt.Errorf("legacy challenge page has no deferred script")
	}
	ms, err := strconv.Atoi(string(m[2]))
	if err != nil {
		return "", 0, fmt.Errorf("legacy challenge delay: %w", err)
	}
	return string(m[1]), time.Duration(ms) * time.Millisecond, nil
}
