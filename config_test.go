package clearance

import (
	"errors"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	if cfg.SolveDepth != DefaultSolveDepth {
		t.Errorf("SolveDepth = %d, want %d", cfg.SolveDepth, DefaultSolveDepth)
	}
	if cfg.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", cfg.Timeout, DefaultTimeout)
	}
	if cfg.MinRequestInterval != DefaultMinRequestInterval {
		t.Errorf("MinRequestInterval = %v, want %v", cfg.MinRequestInterval, DefaultMinRequestInterval)
	}
	if cfg.MaxConcurrent != DefaultMaxConcurrent {
		t.Errorf("MaxConcurrent = %d, want %d", cfg.MaxConcurrent, DefaultMaxConcurrent)
	}
	if cfg.ProxyRotation != RotationSequential {
		t.Errorf("ProxyRotation = %q, want sequential", cfg.ProxyRotation)
	}
	if cfg.ProxyBanDuration != DefaultProxyBanDuration {
		t.Errorf("ProxyBanDuration = %v, want %v", cfg.ProxyBanDuration, DefaultProxyBanDuration)
	}
	if cfg.ECDHCurve != DefaultECDHCurve {
		t.Errorf("ECDHCurve = %q, want %q", cfg.ECDHCurve, DefaultECDHCurve)
	}
	if cfg.Interpreter != DefaultInterpreter {
		t.Errorf("Interpreter = %q, want %q", cfg.Interpreter, DefaultInterpreter)
	}
	if cfg.Logger == nil {
		t.Error("Logger default missing")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{"negative solve depth", func(c *Config) { c.SolveDepth = -1 }, "SolveDepth"},
		{"min delay above max", func(c *Config) { c.MinDelay = 3 * time.Second; c.MaxDelay = time.Second }, "MinDelay"},
		{"unknown rotation", func(c *Config) { c.ProxyRotation = "roulette" }, "ProxyRotation"},
		{"unknown interpreter", func(c *Config) { c.Interpreter = "v8" }, "Interpreter"},
		{"bad source address", func(c *Config) { c.SourceAddress = "not-an-ip" }, "SourceAddress"},
		{"unknown curve", func(c *Config) { c.ECDHCurve = "curve9000" }, "ECDHCurve"},
		{"unknown cipher", func(c *Config) { c.CipherSuites = []string{"ROT13-WITH-MD5"} }, "CipherSuites"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{}.withDefaults()
			tt.mutate(&cfg)

			err := cfg.validate()
			var ce *ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("validate() = %v, want ConfigurationError", err)
			}
			if ce.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ce.Field, tt.wantField)
			}
		})
	}
}

func TestParseSourceAddress(t *testing.T) {
	tests := []struct {
		in       string
		wantIP   string
		wantPort int
		wantErr  bool
	}{
		{"", "", 0, false},
		{"192.168.1.10", "192.168.1.10", 0, false},
		{"192.168.1.10:4455", "192.168.1.10", 4455, false},
		{"2001:db8::1", "2001:db8::1", 0, false},
		{"[2001:db8::1]:4455", "2001:db8::1", 4455, false},
		{"example.com", "", 0, true},
		{"192.168.1.10:notaport", "", 0, true},
	}

	for _, tt := range tests {
		addr, err := parseSourceAddress(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSourceAddress(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil || tt.in == "" {
			continue
		}
		if addr.IP.String() != tt.wantIP || addr.Port != tt.wantPort {
			t.Errorf("parseSourceAddress(%q) = %v, want %s:%d", tt.in, addr, tt.wantIP, tt.wantPort)
		}
	}
}

func TestNewRejectsUnknownBrowser(t *testing.T) {
	_, err := New(Config{Browser: "netscape-4"})
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("New() err = %v, want ConfigurationError", err)
	}
	if ce.Field != "Browser" {
		t.Errorf("Field = %q, want Browser", ce.Field)
	}
}
