// Package config loads the bot's settings into a typed Config.
// Values come from defaults, then an optional YAML file, then the environment,
// each layer overriding the one before. Call Validate before connecting.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for a Twitch deployment.
const (
	DefaultHost           = "irc.chat.twitch.tv"
	DefaultPort           = 6667
	DefaultCommandPrefix  = "@"
	DefaultWhisperChannel = "#jtv"
	DefaultHTTPAddr       = ":8080"
	DefaultPingPeriod     = 60 * time.Second
	DefaultPongTimeout    = 55 * time.Second
)

// DefaultCapabilities are requested with CAP REQ after joining.
var DefaultCapabilities = []string{"twitch.tv/commands", "twitch.tv/tags"}

type Config struct {
	// Primary connection
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	Nick          string   `yaml:"nick"`
	Channels      []string `yaml:"channels"`
	Capabilities  []string `yaml:"capabilities"`
	CommandPrefix string   `yaml:"command_prefix"`

	// Secondary connection for whispers. Empty WhisperHost sends whispers over
	// the primary connection.
	WhisperHost    string `yaml:"whisper_host"`
	WhisperPort    int    `yaml:"whisper_port"`
	WhisperChannel string `yaml:"whisper_channel"`

	// Keepalive and reconnect
	PingPeriod  time.Duration `yaml:"ping_period"`
	PongTimeout time.Duration `yaml:"pong_timeout"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`

	// Credentials: a static chat token, or a refresh token with app credentials.
	OAuthToken    string `yaml:"-"`
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"-"`
	RefreshToken  string `yaml:"-"`
	EncryptionKey string `yaml:"-"`

	// Database; empty disables the chat log and the token store.
	DBDsn string `yaml:"db_dsn"`

	HTTPAddr string `yaml:"http_addr"`
	// AdminToken enables the HTTP admin endpoints.
	AdminToken string `yaml:"-"`
}

// Default returns a Config holding only defaults.
func Default() *Config {
	return &Config{
		Host:           DefaultHost,
		Port:           DefaultPort,
		Capabilities:   append([]string(nil), DefaultCapabilities...),
		CommandPrefix:  DefaultCommandPrefix,
		WhisperPort:    DefaultPort,
		WhisperChannel: DefaultWhisperChannel,
		PingPeriod:     DefaultPingPeriod,
		PongTimeout:    DefaultPongTimeout,
		HTTPAddr:       DefaultHTTPAddr,
	}
}

// Load builds the Config. path names an optional YAML file; when empty the
// SHODAN_CONFIG variable is consulted. Secrets are only read from the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("SHODAN_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	setString(&c.Host, "IRC_HOST")
	setString(&c.Nick, "TWITCH_BOT_USERNAME")
	setString(&c.CommandPrefix, "COMMAND_PREFIX")
	setString(&c.WhisperHost, "WHISPER_HOST")
	setString(&c.WhisperChannel, "WHISPER_CHANNEL")
	setString(&c.OAuthToken, "TWITCH_OAUTH_TOKEN")
	setString(&c.ClientID, "TWITCH_CLIENT_ID")
	setString(&c.ClientSecret, "TWITCH_CLIENT_SECRET")
	setString(&c.RefreshToken, "TWITCH_REFRESH_TOKEN")
	setString(&c.EncryptionKey, "ENCRYPTION_KEY")
	setString(&c.DBDsn, "DB_DSN")
	setString(&c.HTTPAddr, "HTTP_ADDR")
	setString(&c.AdminToken, "ADMIN_TOKEN")

	if v := os.Getenv("TWITCH_CHANNELS"); v != "" {
		c.Channels = splitList(v)
	} else if v := os.Getenv("TWITCH_CHANNEL"); v != "" {
		c.Channels = []string{v}
	}
	if v := os.Getenv("IRC_CAPABILITIES"); v != "" {
		c.Capabilities = splitList(v)
	}

	var errs []error
	errs = append(errs, setInt(&c.Port, "IRC_PORT"), setInt(&c.WhisperPort, "WHISPER_PORT"))
	errs = append(errs,
		setDuration(&c.PingPeriod, "PING_PERIOD"),
		setDuration(&c.PongTimeout, "PONG_TIMEOUT"),
		setDuration(&c.MaxBackoff, "BACKOFF_MAX"),
	)
	return errors.Join(errs...)
}

// normalize lowercases channel names and adds the leading '#'.
func (c *Config) normalize() {
	seen := make(map[string]bool, len(c.Channels))
	channels := c.Channels[:0]
	for _, ch := range c.Channels {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if ch == "" {
			continue
		}
		if !strings.HasPrefix(ch, "#") {
			ch = "#" + ch
		}
		if seen[ch] {
			continue
		}
		seen[ch] = true
		channels = append(channels, ch)
	}
	c.Channels = channels
	c.Nick = strings.ToLower(strings.TrimSpace(c.Nick))
}

// UsesRefresh reports whether the chat password comes from the OAuth refresh
// flow rather than a static token.
func (c *Config) UsesRefresh() bool {
	return c.OAuthToken == "" && c.RefreshToken != ""
}

// WhisperEnabled reports whether a secondary connection is configured.
func (c *Config) WhisperEnabled() bool { return c.WhisperHost != "" }

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("IRC_HOST is empty"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("IRC_PORT %d out of range", c.Port))
	}
	if c.Nick == "" {
		errs = append(errs, errors.New("TWITCH_BOT_USERNAME is required"))
	}
	if len(c.Channels) == 0 {
		errs = append(errs, errors.New("TWITCH_CHANNELS is required"))
	}
	if c.CommandPrefix == "" {
		errs = append(errs, errors.New("COMMAND_PREFIX is empty"))
	}
	if c.OAuthToken == "" && c.RefreshToken == "" {
		errs = append(errs, errors.New("set TWITCH_OAUTH_TOKEN or TWITCH_REFRESH_TOKEN"))
	}
	if c.UsesRefresh() && (c.ClientID == "" || c.ClientSecret == "") {
		errs = append(errs, errors.New("TWITCH_REFRESH_TOKEN needs TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET"))
	}
	if c.WhisperEnabled() {
		if c.WhisperPort <= 0 || c.WhisperPort > 65535 {
			errs = append(errs, fmt.Errorf("WHISPER_PORT %d out of range", c.WhisperPort))
		}
	}
	if c.WhisperChannel == "" {
		errs = append(errs, errors.New("WHISPER_CHANNEL is empty"))
	}
	if c.PingPeriod <= 0 || c.PongTimeout <= 0 {
		errs = append(errs, errors.New("PING_PERIOD and PONG_TIMEOUT must be positive"))
	} else if c.PongTimeout >= c.PingPeriod {
		errs = append(errs, fmt.Errorf("PONG_TIMEOUT %s must be shorter than PING_PERIOD %s", c.PongTimeout, c.PingPeriod))
	}
	if c.MaxBackoff < 0 {
		errs = append(errs, errors.New("BACKOFF_MAX is negative"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
