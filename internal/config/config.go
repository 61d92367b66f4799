// Package config loads relaynotes settings from an optional JSON file and
// RELAYNOTES_* environment variables. The merged result is checked against
// the embedded settings schema.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	DefaultLimit          = 50
	DefaultAPIBaseURL     = "https://api.telegram.org"
	DefaultRequestTimeout = 30 * time.Second
	DefaultPollTimeout    = 25 * time.Second
	DefaultPollInterval   = 5 * time.Second
	DefaultPollJitter     = 0.2
	DefaultSeenCapacity   = 4096
	DefaultVocabulary     = "en"
	DefaultListenAddr     = "127.0.0.1:8787"
	DefaultLogLevel       = "info"

	// EnvConfigPath names the settings file when no flag is given.
	EnvConfigPath = "RELAYNOTES_CONFIG"
)

//go:embed settings.schema.json
var settingsSchema []byte

const schemaURL = "https://relaynotes.local/settings.schema.json"

var ErrMissingCredentials = errors.New("missing credentials")

type Config struct {
	HistoryToken   string
	ActionToken    string
	ChatID         string
	Limit          int
	APIBaseURL     string
	ParseMode      string
	Vocabulary     string
	RequestTimeout time.Duration
	PollTimeout    time.Duration
	PollInterval   time.Duration
	PollJitter     float64
	SeenCapacity   int
	SnapshotDSN    string
	ListenAddr     string
	JWTSecret      string
	LogLevel       string
}

// settingsFile is the on-disk shape of Config.
type settingsFile struct {
	HistoryToken   string   `json:"historyToken,omitempty"`
	ActionToken    string   `json:"actionToken,omitempty"`
	ChatID         string   `json:"chatId,omitempty"`
	Limit          int      `json:"limit,omitempty"`
	APIBaseURL     string   `json:"apiBaseUrl,omitempty"`
	ParseMode      string   `json:"parseMode,omitempty"`
	Vocabulary     string   `json:"vocabulary,omitempty"`
	RequestTimeout string   `json:"requestTimeout,omitempty"`
	PollTimeout    string   `json:"pollTimeout,omitempty"`
	PollInterval   string   `json:"pollInterval,omitempty"`
	PollJitter     *float64 `json:"pollJitter,omitempty"`
	SeenCapacity   int      `json:"seenCapacity,omitempty"`
	SnapshotDSN    string   `json:"snapshot,omitempty"`
	ListenAddr     string   `json:"listen,omitempty"`
	JWTSecret      string   `json:"jwtSecret,omitempty"`
	LogLevel       string   `json:"logLevel,omitempty"`
}

func Default() *Config {
	return &Config{
		Limit:          DefaultLimit,
		APIBaseURL:     DefaultAPIBaseURL,
		Vocabulary:     DefaultVocabulary,
		RequestTimeout: DefaultRequestTimeout,
		PollTimeout:    DefaultPollTimeout,
		PollInterval:   DefaultPollInterval,
		PollJitter:     DefaultPollJitter,
		SeenCapacity:   DefaultSeenCapacity,
		ListenAddr:     DefaultListenAddr,
		LogLevel:       DefaultLogLevel,
	}
}

// Load applies defaults, then the settings file at path (skipped when path
// is empty), then the environment, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read settings: %w", err)
		}
		if err := cfg.applyFile(data); err != nil {
			return nil, fmt.Errorf("settings %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(data []byte) error {
	if err := validateSettings(data); err != nil {
		return err
	}
	var f settingsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	setString(&c.HistoryToken, f.HistoryToken)
	setString(&c.ActionToken, f.ActionToken)
	setString(&c.ChatID, f.ChatID)
	setString(&c.APIBaseURL, f.APIBaseURL)
	setString(&c.ParseMode, f.ParseMode)
	setString(&c.Vocabulary, f.Vocabulary)
	setString(&c.SnapshotDSN, f.SnapshotDSN)
	setString(&c.ListenAddr, f.ListenAddr)
	setString(&c.JWTSecret, f.JWTSecret)
	setString(&c.LogLevel, f.LogLevel)
	if f.Limit > 0 {
		c.Limit = f.Limit
	}
	if f.SeenCapacity > 0 {
		c.SeenCapacity = f.SeenCapacity
	}
	if f.PollJitter != nil {
		c.PollJitter = *f.PollJitter
	}
	for _, d := range []struct {
		raw    string
		target *time.Duration
	}{
		{f.RequestTimeout, &c.RequestTimeout},
		{f.PollTimeout, &c.PollTimeout},
		{f.PollInterval, &c.PollInterval},
	} {
		if d.raw == "" {
			continue
		}
		value, err := time.ParseDuration(d.raw)
		if err != nil {
			return err
		}
		*d.target = value
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.HistoryToken, os.Getenv("RELAYNOTES_HISTORY_TOKEN"))
	setString(&c.ActionToken, os.Getenv("RELAYNOTES_ACTION_TOKEN"))
	setString(&c.ChatID, os.Getenv("RELAYNOTES_CHAT_ID"))
	setString(&c.APIBaseURL, os.Getenv("RELAYNOTES_API_BASE_URL"))
	setString(&c.ParseMode, os.Getenv("RELAYNOTES_PARSE_MODE"))
	setString(&c.Vocabulary, os.Getenv("RELAYNOTES_VOCABULARY"))
	setString(&c.SnapshotDSN, os.Getenv("RELAYNOTES_SNAPSHOT"))
	setString(&c.ListenAddr, os.Getenv("RELAYNOTES_LISTEN"))
	setString(&c.JWTSecret, os.Getenv("RELAYNOTES_JWT_SECRET"))
	setString(&c.LogLevel, os.Getenv("RELAYNOTES_LOG_LEVEL"))

	var errs []error
	if err := envInt("RELAYNOTES_LIMIT", &c.Limit); err != nil {
		errs = append(errs, err)
	}
	if err := envInt("RELAYNOTES_SEEN_CAPACITY", &c.SeenCapacity); err != nil {
		errs = append(errs, err)
	}
	if err := envFloat("RELAYNOTES_POLL_JITTER", &c.PollJitter); err != nil {
		errs = append(errs, err)
	}
	if err := envDuration("RELAYNOTES_REQUEST_TIMEOUT", &c.RequestTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := envDuration("RELAYNOTES_POLL_TIMEOUT", &c.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := envDuration("RELAYNOTES_POLL_INTERVAL", &c.PollInterval); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Validate checks the merged config against the settings schema, so values
// from the environment and flags obey the same rules as the file.
func (c *Config) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("limit must be between 1 and 100")
	}
	if c.SeenCapacity <= 0 {
		return fmt.Errorf("seen capacity must be greater than 0")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be greater than 0")
	}
	if c.PollTimeout < 0 {
		return fmt.Errorf("poll timeout must not be negative")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be greater than 0")
	}
	data, err := json.Marshal(c.file())
	if err != nil {
		return err
	}
	return validateSettings(data)
}

// RequireCredentials reports which of the values needed to reach the chat are
// missing. The history token is optional.
func (c *Config) RequireCredentials() error {
	var missing []string
	if c.ActionToken == "" {
		missing = append(missing, "action token (RELAYNOTES_ACTION_TOKEN)")
	}
	if c.ChatID == "" {
		missing = append(missing, "chat id (RELAYNOTES_CHAT_ID)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) file() settingsFile {
	jitter := c.PollJitter
	f := settingsFile{
		HistoryToken: c.HistoryToken,
		ActionToken:  c.ActionToken,
		ChatID:       c.ChatID,
		Limit:        c.Limit,
		APIBaseURL:   c.APIBaseURL,
		ParseMode:    c.ParseMode,
		Vocabulary:   c.Vocabulary,
		PollJitter:   &jitter,
		SeenCapacity: c.SeenCapacity,
		SnapshotDSN:  c.SnapshotDSN,
		ListenAddr:   c.ListenAddr,
		JWTSecret:    c.JWTSecret,
		LogLevel:     c.LogLevel,
	}
	if c.RequestTimeout > 0 {
		f.RequestTimeout = c.RequestTimeout.String()
	}
	if c.PollTimeout > 0 {
		f.PollTimeout = c.PollTimeout.String()
	}
	if c.PollInterval > 0 {
		f.PollInterval = c.PollInterval.String()
	}
	return f
}

func validateSettings(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(settingsSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(schemaURL)
})

func setString(target *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*target = value
	}
}

func envInt(key string, target *int) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, raw, err)
	}
	*target = value
	return nil
}

func envFloat(key string, target *float64) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, raw, err)
	}
	*target = value
	return nil
}

func envDuration(key string, target *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, raw, err)
	}
	*target = value
	return nil
}
