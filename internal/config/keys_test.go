package config

import (
	"strings"
	"testing"
)

func TestFlatten_Nested(t *testing.T) {
	got := flatten(map[string]any{
		"api": map[string]any{
			"base_url":        "http://localhost:8000/api",
			"timeout_seconds": 30.0,
		},
		"log_level": "info",
		"empty":     map[string]any{},
	})
	if got["api.base_url"] != "http://localhost:8000/api" {
		t.Errorf("expected api.base_url, got %v", got["api.base_url"])
	}
	if got["api.timeout_seconds"] != 30.0 {
		t.Errorf("expected api.timeout_seconds=30, got %v", got["api.timeout_seconds"])
	}
	if len(got) != 3 {
		t.Errorf("expected 3 keys (empty section produces nothing), got %d: %v", len(got), got)
	}
}

func TestUnflatten_RoundTrip(t *testing.T) {
	original := map[string]any{
		"data_dir": "/home/test/.diagchat",
		"realtime": map[string]any{
			"max_attempts":  5.0,
			"base_delay_ms": 1000.0,
		},
		"auth": map[string]any{"username": "tech1"},
	}

	restored := unflatten(flatten(original))

	if restored["data_dir"] != original["data_dir"] {
		t.Errorf("data_dir mismatch: %v", restored["data_dir"])
	}
	rt := restored["realtime"].(map[string]any)
	if rt["max_attempts"] != 5.0 || rt["base_delay_ms"] != 1000.0 {
		t.Errorf("realtime mismatch: %v", rt)
	}
	if restored["auth"].(map[string]any)["username"] != "tech1" {
		t.Errorf("auth.username mismatch: %v", restored["auth"])
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"long", "hunter2-secret", "***cret"},
		{"short", "ab", "********"},
		{"exactly four", "abcd", "********"},
		{"eleven", "hunter2-sec", "********"},
		{"multibyte", "pässwörd-geheim", "***heim"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Mask(tt.value); got != tt.want {
				t.Errorf("Mask(%q) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}

func TestMaskSecrets(t *testing.T) {
	got := MaskSecrets(map[string]any{
		"auth.password": "abcd",
		"auth.username": "tech1",
	})
	if got["auth.password"] != "********" {
		t.Errorf("short password leaked: %v", got["auth.password"])
	}
	if got["auth.username"] != "tech1" {
		t.Errorf("username should not be masked, got %v", got["auth.username"])
	}
}

func TestIsSecretKey(t *testing.T) {
	if !IsSecretKey("auth.password") {
		t.Error("auth.password should be secret")
	}
	if IsSecretKey("auth.username") || IsSecretKey("api.base_url") || IsSecretKey("custom.key") {
		t.Error("non-secret key reported as secret")
	}
}

func TestKeysCoverConfig(t *testing.T) {
	cfg := Default()
	cfg.Auth.Password = "x"
	flat, err := ListValues(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	for k := range flat {
		if _, ok := keys[k]; !ok {
			t.Errorf("config field %s has no key entry", k)
		}
	}
	if len(Keys()) != len(flat) {
		t.Errorf("expected %d keys, got %d", len(flat), len(Keys()))
	}
}

func TestParseSetting(t *testing.T) {
	tests := []struct {
		key     string
		raw     string
		want    any
		wantErr string
	}{
		{"storage.driver", "sqlite", "sqlite", ""},
		{"storage.driver", "SQLite", "sqlite", ""},
		{"storage.driver", "redis", nil, "must be one of file, sqlite"},
		{"chat.estimator", "tiktoken", "tiktoken", ""},
		{"chat.estimator", "exact", nil, "must be one of heuristic, tiktoken"},
		{"log_level", "trace", nil, "must be one of"},
		{"realtime.max_attempts", "8", 8, ""},
		{"realtime.base_delay_ms", "0", nil, "positive integer"},
		{"realtime.typing_window_ms", "1.5", nil, "positive integer"},
		{"api.max_concurrent", "-2", nil, "positive integer"},
		{"api.base_url", "https://diag.example.com/api/", "https://diag.example.com/api", ""},
		{"api.base_url", "ftp://diag.example.com", nil, "http or https"},
		{"api.base_url", "https://", nil, "no host"},
		{"auth.username", "1234", "1234", ""},
		{"storage.drvier", "file", nil, "unknown config key: storage.drvier"},
		{"custom.flag", "true", true, ""},
		{"custom.ratio", "0.3", 0.3, ""},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.raw, func(t *testing.T) {
			got, err := parseSetting(tt.key, tt.raw)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}
