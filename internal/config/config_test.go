package config

import (
	"reflect"
	"testing"
	"time"
)

func TestParseList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "multi delimiters and dedupe",
			raw:  " http://a.example ; http://b.example,\nhttp://a.example ",
			want: []string{"http://a.example", "http://b.example"},
		},
		{
			name: "single value",
			raw:  "http://single.example",
			want: []string{"http://single.example"},
		},
		{
			name: "empty",
			raw:  " , ; \n ",
			want: []string{},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := parseList(tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("parseList() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("S3_BUCKET", "airlift-test")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://localhost:5173;http://example.com")
	t.Setenv("AUTO_CLEANUP_DAYS", "14")
	t.Setenv("AUTO_CLEANUP_MAX_MB", "2048")
	t.Setenv("HTTP_READ_TIMEOUT", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	wantOrigins := []string{"http://localhost:5173", "http://example.com"}
	if !reflect.DeepEqual(cfg.CORSAllowedOrigins, wantOrigins) {
		t.Fatalf("CORSAllowedOrigins = %#v, want %#v", cfg.CORSAllowedOrigins, wantOrigins)
	}
	if cfg.AutoCleanupDays != 14 {
		t.Fatalf("AutoCleanupDays = %d, want 14", cfg.AutoCleanupDays)
	}
	if cfg.AutoCleanupMaxMB != 2048 {
		t.Fatalf("AutoCleanupMaxMB = %d, want 2048", cfg.AutoCleanupMaxMB)
	}
	if cfg.HTTPReadTimeout != 30*time.Second {
		t.Fatalf("HTTPReadTimeout = %v, want 30s", cfg.HTTPReadTimeout)
	}
}

func TestLoadRequiresBucket(t *testing.T) {
	t.Setenv("S3_BUCKET", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want non-nil")
	}
}

func TestLoadClampsPowDifficulty(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"", 18},
		{"8", 16},
		{"20", 20},
		{"40", 24},
		{"not-a-number", 18},
	}
	for _, tt := range tests {
		t.Setenv("S3_BUCKET", "airlift-test")
		t.Setenv("POW_DIFFICULTY", tt.raw)
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.PowDifficulty != tt.want {
			t.Fatalf("POW_DIFFICULTY=%q: PowDifficulty = %d, want %d", tt.raw, cfg.PowDifficulty, tt.want)
		}
	}
}

func TestLoadClampsNegativeCleanup(t *testing.T) {
	t.Setenv("S3_BUCKET", "airlift-test")
	t.Setenv("AUTO_CLEANUP_DAYS", "-3")
	t.Setenv("AUTO_CLEANUP_MAX_MB", "-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AutoCleanupDays != 0 || cfg.AutoCleanupMaxMB != 0 {
		t.Fatalf("cleanup defaults = (%d, %d), want (0, 0)", cfg.AutoCleanupDays, cfg.AutoCleanupMaxMB)
	}
}

func TestLoadValidatesCDNDomain(t *testing.T) {
	t.Setenv("S3_BUCKET", "airlift-test")
	t.Setenv("R2_CDN_DOMAIN", "cdn.example.com/path")

	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted a CDN domain with a path")
	}

	t.Setenv("R2_CDN_DOMAIN", "cdn.example.com")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CDNDomain != "cdn.example.com" {
		t.Fatalf("CDNDomain = %q", cfg.CDNDomain)
	}
}
