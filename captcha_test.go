package clearance

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCaptchaClientDefaults(t *testing.T) {
	c := newCaptchaClient(CaptchaConfig{APIKey: "key"}, NewNoopLogger())

	if c.cfg.BaseURL != defaultCaptchaBaseURL {
		t.Errorf("BaseURL = %q, want %q", c.cfg.BaseURL, defaultCaptchaBaseURL)
	}
	if c.cfg.Timeout != defaultCaptchaTimeout {
		t.Errorf("Timeout = %v, want %v", c.cfg.Timeout, defaultCaptchaTimeout)
	}
	if c.cfg.Poll != defaultCaptchaPoll {
		t.Errorf("Poll = %v, want %v", c.cfg.Poll, defaultCaptchaPoll)
	}

	c = newCaptchaClient(CaptchaConfig{APIKey: "key", BaseURL: "https://solver.local", Timeout: time.Minute, Poll: time.Second}, NewNoopLogger())
	if c.cfg.BaseURL != "https://solver.local" || c.cfg.Timeout != time.Minute || c.cfg.Poll != time.Second {
		t.Error("explicit backend settings must not be overwritten")
	}
}

func TestCaptchaRequiresAPIKey(t *testing.T) {
	c := newCaptchaClient(CaptchaConfig{}, NewNoopLogger())
	if c.configured() {
		t.Fatal("empty API key should not count as configured")
	}

	_, err := c.SolveTurnstile(context.Background(), "https://example.com/", "0xsitekey", "", "")
	if !errors.Is(err, ErrNoCaptchaBackend) {
		t.Errorf("SolveTurnstile err = %v, want ErrNoCaptchaBackend", err)
	}
	_, err = c.SolveHCaptcha(context.Background(), "https://example.com/", "0xsitekey")
	if !errors.Is(err, ErrNoCaptchaBackend) {
		t.Errorf("SolveHCaptcha err = %v, want ErrNoCaptchaBackend", err)
	}
}

func TestBackendErrorClassification(t *testing.T) {
	err := backendError("ERROR_ZERO_BALANCE", "no funds")
	if !strings.Contains(err.Error(), "fatal") {
		t.Errorf("zero balance should be fatal, got %v", err)
	}

	err = backendError("ERROR_NO_SLOT_AVAILABLE", "busy")
	if strings.Contains(err.Error(), "fatal") {
		t.Errorf("transient backend error marked fatal: %v", err)
	}
}
