// Package config loads push delivery settings from the environment.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/imjasonh/pwapush/notify"
)

// ErrInvalidConfig is returned for values that parse but make no sense.
var ErrInvalidConfig = errors.New("config: invalid value")

// Vibration presets accepted by PUSH_VIBRATE besides a JSON array.
const (
	VibrateNone   = "none"
	VibrateCustom = "custom"
)

// Config is the full set of PUSH_* settings.
type Config struct {
	Addr      string `env:"PUSH_ADDR, default=:8080"`
	LogLevel  string `env:"PUSH_LOG_LEVEL, default=info"`
	LogFormat string `env:"PUSH_LOG_FORMAT, default=text"`

	// AdminToken is the bearer token for the send and key routes.
	AdminToken string `env:"PUSH_ADMIN_TOKEN"`

	Enabled      bool   `env:"PUSH_ENABLED, default=true"`
	TestMode     bool   `env:"PUSH_TEST_MODE, default=false"`
	TestMemberID string `env:"PUSH_TEST_MEMBER_ID"`

	VAPID VAPID `env:", prefix=PUSH_VAPID_"`

	DefaultTitle   string `env:"PUSH_DEFAULT_TITLE, default=New Notification"`
	DefaultMessage string `env:"PUSH_DEFAULT_MESSAGE, default=You have a new update"`
	DefaultIcon    string `env:"PUSH_DEFAULT_ICON"`
	DefaultBadge   string `env:"PUSH_DEFAULT_BADGE"`
	DefaultTTL     int    `env:"PUSH_DEFAULT_TTL, default=86400"`

	RequireInteraction bool `env:"PUSH_REQUIRE_INTERACTION, default=false"`
	Silent             bool `env:"PUSH_SILENT, default=false"`
	Renotify           bool `env:"PUSH_RENOTIFY, default=false"`
	TopicFromTag       bool `env:"PUSH_TOPIC_FROM_TAG, default=false"`

	Vibrate       string `env:"PUSH_VIBRATE"`
	CustomVibrate string `env:"PUSH_CUSTOM_VIBRATE"`

	Action1Text string `env:"PUSH_ACTION1_TEXT"`
	Action1URL  string `env:"PUSH_ACTION1_URL"`
	Action2Text string `env:"PUSH_ACTION2_TEXT"`
	Action2URL  string `env:"PUSH_ACTION2_URL"`

	Concurrency      int           `env:"PUSH_CONCURRENCY, default=8"`
	RatePerSecond    float64       `env:"PUSH_RATE_PER_SECOND, default=0"`
	Timeout          time.Duration `env:"PUSH_TIMEOUT, default=30s"`
	BreakerThreshold uint32        `env:"PUSH_BREAKER_THRESHOLD, default=0"`
	BreakerCooldown  time.Duration `env:"PUSH_BREAKER_COOLDOWN, default=1m"`

	Storage Storage `env:", prefix=PUSH_STORAGE_"`
}

// VAPID selects where the application server key comes from. Explicit
// keys win over KMS, KMS over the keyring.
type VAPID struct {
	PublicKey  string `env:"PUBLIC_KEY"`
	PrivateKey string `env:"PRIVATE_KEY"`
	Subject    string `env:"SUBJECT, default=mailto:admin@example.com"`

	KMSKey string `env:"KMS_KEY"`

	KeyringService  string `env:"KEYRING_SERVICE"`
	KeyringDir      string `env:"KEYRING_DIR"`
	KeyringPassword string `env:"KEYRING_PASSWORD"`
}

// Storage selects the subscription store.
type Storage struct {
	Driver string `env:"DRIVER, default=sqlite"`
	DSN    string `env:"DSN, default=subscriptions.db"`
}

// Load reads an optional .env file, then the process environment.
func Load(ctx context.Context, dotenv ...string) (*Config, error) {
	if err := godotenv.Load(dotenv...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith decodes the configuration from lookuper.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: PUSH_STORAGE_DRIVER %q", ErrInvalidConfig, c.Storage.Driver)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: PUSH_LOG_FORMAT %q", ErrInvalidConfig, c.LogFormat)
	}
	if c.DefaultTTL < 0 {
		return fmt.Errorf("%w: PUSH_DEFAULT_TTL must not be negative", ErrInvalidConfig)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: PUSH_TIMEOUT must be positive", ErrInvalidConfig)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("%w: PUSH_CONCURRENCY must not be negative", ErrInvalidConfig)
	}
	if _, err := c.VibrationPattern(); err != nil {
		return err
	}
	return nil
}

// VibrationPattern resolves PUSH_VIBRATE: a JSON array, "none" for no
// vibration, or "custom" to read PUSH_CUSTOM_VIBRATE as comma separated
// milliseconds. Anything unset falls back to notify.DefaultVibrate.
func (c *Config) VibrationPattern() ([]int, error) {
	return ParseVibrationPattern(c.Vibrate, c.CustomVibrate)
}

// ParseVibrationPattern resolves a vibration preset.
func ParseVibrationPattern(preset, custom string) ([]int, error) {
	preset = strings.TrimSpace(preset)
	switch preset {
	case VibrateNone:
		return []int{}, nil
	case "":
		return append([]int(nil), notify.DefaultVibrate...), nil
	case VibrateCustom:
		if strings.TrimSpace(custom) == "" {
			return append([]int(nil), notify.DefaultVibrate...), nil
		}
		var out []int
		for _, f := range strings.Split(custom, ",") {
			ms, err := strconv.Atoi(strings.TrimSpace(f))
			if err != nil || ms < 0 {
				return nil, fmt.Errorf("%w: PUSH_CUSTOM_VIBRATE entry %q", ErrInvalidConfig, f)
			}
			out = append(out, ms)
		}
		return out, nil
	}
	var out []int
	if err := json.Unmarshal([]byte(preset), &out); err != nil {
		return nil, fmt.Errorf("%w: PUSH_VIBRATE %q: %v", ErrInvalidConfig, preset, err)
	}
	if out == nil {
		out = []int{}
	}
	return out, nil
}

// Actions returns the configured action buttons in order.
func (c *Config) Actions() []notify.Action {
	var out []notify.Action
	if c.Action1Text != "" {
		url := c.Action1URL
		if url == "" {
			url = "/"
		}
		out = append(out, notify.Action{Action: "action1", Title: c.Action1Text, URL: url})
	}
	if c.Action2Text != "" {
		out = append(out, notify.Action{Action: "action2", Title: c.Action2Text, URL: c.Action2URL})
	}
	return out
}

// Policy converts the settings into a delivery policy.
func (c *Config) Policy() (notify.Policy, error) {
	vibrate, err := c.VibrationPattern()
	if err != nil {
		return notify.Policy{}, err
	}
	return notify.Policy{
		Disabled:           !c.Enabled,
		TestMode:           c.TestMode,
		TestMemberID:       c.TestMemberID,
		DefaultTitle:       c.DefaultTitle,
		DefaultMessage:     c.DefaultMessage,
		DefaultIcon:        c.DefaultIcon,
		DefaultBadge:       c.DefaultBadge,
		DefaultVibrate:     vibrate,
		DefaultTTL:         c.DefaultTTL,
		DefaultActions:     c.Actions(),
		RequireInteraction: c.RequireInteraction,
		Silent:             c.Silent,
		Renotify:           c.Renotify,
		TopicFromTag:       c.TopicFromTag,
		Concurrency:        c.Concurrency,
		RatePerSecond:      c.RatePerSecond,
	}, nil
}

// Credentials returns the configured base64url key pair and subject.
// Signer-backed sources are resolved by the caller.
func (c *Config) Credentials() notify.Credentials {
	return notify.Credentials{
		PublicKey:  c.VAPID.PublicKey,
		PrivateKey: c.VAPID.PrivateKey,
		Subject:    c.VAPID.Subject,
	}
}

// Options returns the transport options for notify.NewDispatcher.
func (c *Config) Options() []notify.Option {
	opts := []notify.Option{notify.WithTimeout(c.Timeout)}
	if c.BreakerThreshold > 0 {
		opts = append(opts, notify.WithCircuitBreaker(c.BreakerThreshold, c.BreakerCooldown))
	}
	return opts
}
