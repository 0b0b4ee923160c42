package clearance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/valyala/fasthttp"
)

// CaptchaConfig selects the external solving backend used for the
// v2-captcha and Turnstile variants. The backend speaks the 2Captcha-style
// createTask/getTaskResult JSON protocol, which most providers implement.
type CaptchaConfig struct {
	APIKey  string
	BaseURL string        // default https://api.2captcha.com
	Timeout time.Duration // overall solve budget, default 180s
	Poll    time.Duration // result poll interval, default 5s
}

const (
	defaultCaptchaBaseURL = "https://api.2captcha.com"
	defaultCaptchaTimeout = 180 * time.Second
	defaultCaptchaPoll    = 5 * time.Second
)

// ErrNoCaptchaBackend is returned when a captcha-gated challenge is hit but
// no backend API key is configured.
var ErrNoCaptchaBackend = errors.New("clearance: captcha challenge requires a configured captcha backend")

type captchaResponse struct {
	ErrorID          int            `json:"errorId"`
	ErrorCode        string         `json:"errorCode"`
	ErrorDescription string         `json:"errorDescription"`
	TaskID           json.Number    `json:"taskId"`
	Status           string         `json:"status"`
	Solution         map[string]any `json:"solution"`
}

// captchaClient is the polling client for the backend API.
type captchaClient struct {
	cfg    CaptchaConfig
	client *fasthttp.Client
	logger Logger
}

func newCaptchaClient(cfg CaptchaConfig, logger Logger) *captchaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultCaptchaBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultCaptchaTimeout
	}
	if cfg.Poll == 0 {
		cfg.Poll = defaultCaptchaPoll
	}
	return &captchaClient{
		cfg:    cfg,
		client: &fasthttp.Client{ReadTimeout: 30 * time.Second, WriteTimeout: 30 * time.Second},
		logger: logger,
	}
}

func (c *captchaClient) configured() bool {
	return c.cfg.APIKey != ""
}

// SolveTurnstile requests a Turnstile token for the given page and sitekey.
func (c *captchaClient) SolveTurnstile(ctx context.Context, pageURL, siteKey, action, cdata string) (string, error) {
	task := map[string]any{
		"type":       "TurnstileTaskProxyless",
		"websiteURL": pageURL,
		"websiteKey": siteKey,
	}
	if action != "" {
		task["action"] = action
	}
	if cdata != "" {
		task["data"] = cdata
	}
	return c.solve(ctx, task, "token")
}

// SolveHCaptcha requests an hCaptcha token, used by the captcha-gated v2
// variant.
func (c *captchaClient) SolveHCaptcha(ctx context.Context, pageURL, siteKey string) (string, error) {
	return c.solve(ctx, map[string]any{
		"type":       "HCaptchaTaskProxyless",
		"websiteURL": pageURL,
		"websiteKey": siteKey,
	}, "gRecaptchaResponse")
}

func (c *captchaClient) solve(ctx context.Context, task map[string]any, tokenField string) (string, error) {
	if !c.configured() {
		return "", ErrNoCaptchaBackend
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	created, err := c.post(ctx, c.cfg.BaseURL+"/createTask", map[string]any{
		"clientKey": c.cfg.APIKey,
		"task":      task,
	})
	if err != nil {
		return "", err
	}
	if created.ErrorID != 0 {
		return "", backendError(created.ErrorCode, created.ErrorDescription)
	}

	return c.pollResult(ctx, created.TaskID, tokenField)
}

func (c *captchaClient) pollResult(ctx context.Context, taskID json.Number, tokenField string) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", errors.New("captcha solve timeout")
		case <-time.After(c.cfg.Poll):
		}

		res, err := c.post(ctx, c.cfg.BaseURL+"/getTaskResult", map[string]any{
			"clientKey": c.cfg.APIKey,
			"taskId":    taskID,
		})
		if err != nil {
			return "", err
		}
		if res.ErrorID != 0 {
			return "", backendError(res.ErrorCode, res.ErrorDescription)
		}
		if res.Status != "ready" {
			continue
		}

		token, ok := res.Solution[tokenField].(string)
		if !ok {
			if token, ok = res.Solution["token"].(string); !ok {
				return "", fmt.Errorf("captcha backend returned no token")
			}
		}
		return token, nil
	}
}

// post issues one JSON request to the backend. fasthttp reuses request and
// response objects from its pools; they must be released before return.
func (c *captchaClient) post(ctx context.Context, uri string, payload any) (*captchaResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("captcha backend request: %w", err)
	}

	var parsed captchaResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, fmt.Errorf("captcha backend response: %w", err)
	}
	return &parsed, nil
}

// fatalCaptchaCodes are backend errors where retrying cannot help.
var fatalCaptchaCodes = []string{
	"ERROR_ZERO_BALANCE",
	"ERROR_KEY_DOES_NOT_EXIST",
	"ERROR_WRONG_USER_KEY",
	"ERROR_IP_NOT_ALLOWED",
	"ERROR_IP_BANNED",
}

func backendError(code, description string) error {
	if slices.Contains(fatalCaptchaCodes, code) {
		return fmt.Errorf("captcha backend fatal error %s: %s", code, description)
	}
	return fmt.Errorf("captcha backend error %s: %s", code, description)
}
