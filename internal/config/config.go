package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads "90s" style strings from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Mail     MailConfig     `yaml:"mail"`
	LLM      LLMConfig      `yaml:"llm"`
	Search   SearchConfig   `yaml:"search"`
	Platform PlatformConfig `yaml:"platform"`
	Publish  PublishConfig  `yaml:"publish"`
	Mentions MentionsConfig `yaml:"mentions"`
	Session  SessionConfig  `yaml:"session"`
	Journal  JournalConfig  `yaml:"journal"`
	API      APIConfig      `yaml:"api"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

type MailConfig struct {
	Provider        string   `yaml:"provider"` // gmail | outlook
	CredentialsFile string   `yaml:"credentials_file"`
	TokenFile       string   `yaml:"token_file"`
	BrokerURL       string   `yaml:"broker_url"` // token broker, used instead of token files when set
	UserJWT         string   `yaml:"user_jwt"`
	User            string   `yaml:"user"`
	PollInterval    Duration `yaml:"poll_interval"`
	ErrorBackoff    Duration `yaml:"error_backoff"`
}

type LLMConfig struct {
	APIKey      string   `yaml:"api_key"`
	Model       string   `yaml:"model"`
	Temperature float32  `yaml:"temperature"`
	Timeout     Duration `yaml:"timeout"` // one topic's research and generation
}

type SearchConfig struct {
	Enabled    bool     `yaml:"enabled"`
	MaxResults int      `yaml:"max_results"`
	Timeout    Duration `yaml:"timeout"`
}

type PlatformConfig struct {
	BaseURL       string   `yaml:"base_url"`
	Username      string   `yaml:"username"`
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	RefreshToken  string   `yaml:"refresh_token"`
	MaxPostLength int      `yaml:"max_post_length"`
	CallTimeout   Duration `yaml:"call_timeout"`
}

type PublishConfig struct {
	MinDelay      Duration `yaml:"min_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	CooldownEvery int      `yaml:"cooldown_every"`
	Cooldown      Duration `yaml:"cooldown"`
	TopicPause    Duration `yaml:"topic_pause"`
	Continuation  string   `yaml:"continuation_marker"`
	Closing       string   `yaml:"closing_marker"`
}

type MentionsConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Interval      Duration `yaml:"interval"`
	Kinds         []string `yaml:"kinds"`
	FollowersOnly bool     `yaml:"followers_only"`
	ReplyMinDelay Duration `yaml:"reply_min_delay"`
	ReplyMaxDelay Duration `yaml:"reply_max_delay"`
	ErrorBackoff  Duration `yaml:"error_backoff"`
}

type SessionConfig struct {
	Cooldown Duration `yaml:"cooldown"`
}

// JournalConfig enables the activity journal when Path is set.
type JournalConfig struct {
	Driver        string `yaml:"driver"` // sqlite (modernc) | sqlite3 (cgo)
	Path          string `yaml:"path"`
	NatsURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// APIConfig controls the operator API. An empty Listen disables it. Auth
// is by JWKS-verified bearer token when JWKSURL is set, otherwise by
// operator accounts in the journal when the journal is enabled.
type APIConfig struct {
	Listen  string `yaml:"listen"`
	JWKSURL string `yaml:"jwks_url"`
}

// Default returns the configuration used when no file is present. The
// publish pacing mirrors what has been safe against the platform so far.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Mail: MailConfig{
			Provider:        "gmail",
			CredentialsFile: "credentials.json",
			TokenFile:       "token.json",
			User:            "me",
			PollInterval:    Duration(60 * time.Second),
			ErrorBackoff:    Duration(10 * time.Second),
		},
		LLM: LLMConfig{
			Model:       "gemini-1.5-flash",
			Temperature: 1,
			Timeout:     Duration(2 * time.Minute),
		},
		Search: SearchConfig{MaxResults: 5, Timeout: Duration(10 * time.Second)},
		Platform: PlatformConfig{
			BaseURL:       "https://api.x.com",
			MaxPostLength: 280,
			CallTimeout:   Duration(30 * time.Second),
		},
		Publish: PublishConfig{
			MinDelay:      Duration(15 * time.Second),
			MaxDelay:      Duration(30 * time.Second),
			CooldownEvery: 3,
			Cooldown:      Duration(60 * time.Second),
			TopicPause:    Duration(30 * time.Second),
			Continuation:  " ⤵️",
			Closing:       " 🔚",
		},
		Mentions: MentionsConfig{
			Enabled:       true,
			Interval:      Duration(30 * time.Second),
			Kinds:         []string{"mentions"},
			ReplyMinDelay: Duration(30 * time.Second),
			ReplyMaxDelay: Duration(60 * time.Second),
			ErrorBackoff:  Duration(60 * time.Second),
		},
		Session: SessionConfig{Cooldown: Duration(30 * time.Second)},
		Journal: JournalConfig{
			Driver:        "sqlite",
			SubjectPrefix: "threader",
		},
		API: APIConfig{Listen: "127.0.0.1:8089"},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is
// not an error. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("X_USERNAME"); v != "" {
		c.Platform.Username = v
	}
	if v := os.Getenv("X_CLIENT_ID"); v != "" {
		c.Platform.ClientID = v
	}
	if v := os.Getenv("X_CLIENT_SECRET"); v != "" {
		c.Platform.ClientSecret = v
	}
	if v := os.Getenv("X_REFRESH_TOKEN"); v != "" {
		c.Platform.RefreshToken = v
	}
	if v := os.Getenv("THREADER_NATS_URL"); v != "" {
		c.Journal.NatsURL = v
	}
	if v := os.Getenv("THREADER_DB_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv("THREADER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("THREADER_USER_JWT"); v != "" {
		c.Mail.UserJWT = v
	}
}

// Validate checks the invariants the loops and publisher rely on.
func (c *Config) Validate() error {
	switch c.Mail.Provider {
	case "gmail", "outlook":
	default:
		return fmt.Errorf("mail.provider must be gmail or outlook, got %q", c.Mail.Provider)
	}
	if c.Mail.PollInterval <= 0 || c.Mail.ErrorBackoff <= 0 {
		return errors.New("mail.poll_interval and mail.error_backoff must be positive")
	}
	if c.Mentions.Enabled && (c.Mentions.Interval <= 0 || c.Mentions.ErrorBackoff <= 0) {
		return errors.New("mentions.interval and mentions.error_backoff must be positive")
	}
	if c.Publish.MinDelay < 0 || c.Publish.MinDelay > c.Publish.MaxDelay {
		return fmt.Errorf("publish delay range invalid: min %s max %s", c.Publish.MinDelay.Std(), c.Publish.MaxDelay.Std())
	}
	if c.Mentions.ReplyMinDelay < 0 || c.Mentions.ReplyMinDelay > c.Mentions.ReplyMaxDelay {
		return errors.New("mentions reply delay range invalid")
	}
	if c.Platform.MaxPostLength < 1 {
		return errors.New("platform.max_post_length must be at least 1")
	}
	if c.Platform.CallTimeout <= 0 {
		return errors.New("platform.call_timeout must be positive")
	}
	switch c.Journal.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("journal.driver must be sqlite or sqlite3, got %q", c.Journal.Driver)
	}
	return nil
}
