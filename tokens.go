package clearance

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// GetTokens resolves any challenge guarding rawURL and returns the
// clearance token cookies plus the user agent they were minted under. The
// tokens are only valid when replayed with the same user agent.
func GetTokens(ctx context.Context, rawURL string, cfg Config) (map[string]string, string, error) {
	s, err := New(cfg)
	if err != nil {
		return nil, "", err
	}

	if _, err := s.Get(ctx, rawURL); err != nil {
		return nil, "", err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", err
	}

	tokens := make(map[string]string)
	for _, c := range s.transport().GetCookies(u) {
		for _, name := range tokenCookieNames {
			if c.Name == name && c.Value != "" {
				tokens[c.Name] = c.Value
			}
		}
	}
	if len(tokens) == 0 {
		return nil, "", fmt.Errorf("clearance: no token cookies issued for %s", u.Host)
	}
	return tokens, s.browserProfile().UserAgent, nil
}

// GetCookieString is GetTokens rendered as a Cookie header value.
func GetCookieString(ctx context.Context, rawURL string, cfg Config) (string, string, error) {
	tokens, userAgent, err := GetTokens(ctx, rawURL, cfg)
	if err != nil {
		return "", "", err
	}

	pairs := make([]string, 0, len(tokens))
	for _, name := range tokenCookieNames {
		if value, ok := tokens[name]; ok {
			pairs = append(pairs, name+"="+value)
		}
	}
	return strings.Join(pairs, "; "), userAgent, nil
}
