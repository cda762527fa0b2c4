package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/imjasonh/pwapush/notify"
)

func TestLoadWith_Defaults(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(nil))
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}
	if !cfg.Enabled || cfg.TestMode {
		t.Errorf("Enabled = %v, TestMode = %v", cfg.Enabled, cfg.TestMode)
	}
	if cfg.VAPID.Subject != "mailto:admin@example.com" {
		t.Errorf("Subject = %q", cfg.VAPID.Subject)
	}
	if cfg.DefaultTTL != notify.DefaultTTL {
		t.Errorf("DefaultTTL = %d", cfg.DefaultTTL)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v", cfg.Timeout)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q", cfg.Storage.Driver)
	}

	p, err := cfg.Policy()
	if err != nil {
		t.Fatalf("Policy() error = %v", err)
	}
	if p.Disabled || p.Concurrency != notify.DefaultConcurrency {
		t.Errorf("Policy() = %+v", p)
	}
	if !reflect.DeepEqual(p.DefaultVibrate, notify.DefaultVibrate) {
		t.Errorf("DefaultVibrate = %v", p.DefaultVibrate)
	}
	if p.DefaultActions != nil {
		t.Errorf("DefaultActions = %v, want none", p.DefaultActions)
	}
	if p.DefaultTitle != "New Notification" || p.DefaultMessage != "You have a new update" {
		t.Errorf("default content = %q, %q", p.DefaultTitle, p.DefaultMessage)
	}
}

func TestLoadWith_Values(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{
		"PUSH_ADMIN_TOKEN":         "s3cret",
		"PUSH_ENABLED":             "false",
		"PUSH_TEST_MODE":           "true",
		"PUSH_TEST_MEMBER_ID":      "7",
		"PUSH_VAPID_PUBLIC_KEY":    "pub",
		"PUSH_VAPID_PRIVATE_KEY":   "priv",
		"PUSH_VAPID_SUBJECT":       "https://example.com",
		"PUSH_VIBRATE":             "custom",
		"PUSH_CUSTOM_VIBRATE":      "10, 20,30",
		"PUSH_ACTION1_TEXT":        "Open",
		"PUSH_ACTION2_TEXT":        "Later",
		"PUSH_ACTION2_URL":         "/later",
		"PUSH_BREAKER_THRESHOLD":   "3",
		"PUSH_STORAGE_DRIVER":      "postgres",
		"PUSH_STORAGE_DSN":         "postgres://localhost/push",
		"PUSH_RATE_PER_SECOND":     "2.5",
		"PUSH_REQUIRE_INTERACTION": "true",
	}))
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}

	p, err := cfg.Policy()
	if err != nil {
		t.Fatalf("Policy() error = %v", err)
	}
	if !p.Disabled || !p.TestMode || p.TestMemberID != "7" || !p.RequireInteraction || p.RatePerSecond != 2.5 {
		t.Errorf("Policy() = %+v", p)
	}
	if want := []int{10, 20, 30}; !reflect.DeepEqual(p.DefaultVibrate, want) {
		t.Errorf("DefaultVibrate = %v, want %v", p.DefaultVibrate, want)
	}
	wantActions := []notify.Action{
		{Action: "action1", Title: "Open", URL: "/"},
		{Action: "action2", Title: "Later", URL: "/later"},
	}
	if !reflect.DeepEqual(p.DefaultActions, wantActions) {
		t.Errorf("DefaultActions = %v, want %v", p.DefaultActions, wantActions)
	}

	if cfg.AdminToken != "s3cret" {
		t.Errorf("AdminToken = %q", cfg.AdminToken)
	}

	creds := cfg.Credentials()
	if creds.PublicKey != "pub" || creds.PrivateKey != "priv" || creds.Subject != "https://example.com" {
		t.Errorf("Credentials() = %+v", creds)
	}
	if got := len(cfg.Options()); got != 2 {
		t.Errorf("len(Options()) = %d, want 2", got)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != "postgres://localhost/push" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
}

func TestLoadWith_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "storage driver", env: map[string]string{"PUSH_STORAGE_DRIVER": "mysql"}},
		{name: "log format", env: map[string]string{"PUSH_LOG_FORMAT": "xml"}},
		{name: "negative ttl", env: map[string]string{"PUSH_DEFAULT_TTL": "-1"}},
		{name: "zero timeout", env: map[string]string{"PUSH_TIMEOUT": "0s"}},
		{name: "negative timeout", env: map[string]string{"PUSH_TIMEOUT": "-5s"}},
		{name: "vibrate", env: map[string]string{"PUSH_VIBRATE": "buzz"}},
		{name: "custom vibrate", env: map[string]string{"PUSH_VIBRATE": "custom", "PUSH_CUSTOM_VIBRATE": "1,x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWith(context.Background(), envconfig.MapLookuper(tt.env))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("LoadWith() error = %v, want ErrInvalidConfig", err)
			}
		})
	}

	if _, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{"PUSH_TIMEOUT": "soon"})); err == nil {
		t.Error("LoadWith(bad duration) succeeded")
	}
}

func TestParseVibrationPattern(t *testing.T) {
	tests := []struct {
		preset, custom string
		want           []int
	}{
		{preset: "", want: []int{200, 100, 200}},
		{preset: "[200,100,200]", want: []int{200, 100, 200}},
		{preset: "[500,110,500,110,450,110,200,110,170,40,450,110,200,110,170,40,500]", want: []int{500, 110, 500, 110, 450, 110, 200, 110, 170, 40, 450, 110, 200, 110, 170, 40, 500}},
		{preset: "[1000]", want: []int{1000}},
		{preset: "none", want: []int{}},
		{preset: "custom", custom: "5,6", want: []int{5, 6}},
		{preset: "custom", want: []int{200, 100, 200}},
	}
	for _, tt := range tests {
		got, err := ParseVibrationPattern(tt.preset, tt.custom)
		if err != nil {
			t.Fatalf("ParseVibrationPattern(%q, %q) error = %v", tt.preset, tt.custom, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseVibrationPattern(%q, %q) = %v, want %v", tt.preset, tt.custom, got, tt.want)
		}
	}
}

func TestLoad_DotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("PUSH_TEST_MEMBER_ID=dotenv-member\n"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("PUSH_TEST_MEMBER_ID", "")
	os.Unsetenv("PUSH_TEST_MEMBER_ID")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TestMemberID != "dotenv-member" {
		t.Errorf("TestMemberID = %q, want dotenv-member", cfg.TestMemberID)
	}

	if _, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("Load(missing file) error = %v", err)
	}
}
