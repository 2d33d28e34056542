// Package config loads the scanlist service configuration from YAML.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed config.schema.json
var schemaJSON []byte

const schemaURL = "config.schema.json"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Storage   StorageConfig  `yaml:"storage"`
	Delivery  DeliveryConfig `yaml:"delivery"`
	Capture   CaptureConfig  `yaml:"capture"`
	Events    EventsConfig   `yaml:"events"`
	TimeZone  string         `yaml:"time_zone"`
	Log       LogConfig      `yaml:"log"`
	sourceDir string
}

type ServerConfig struct {
	Addr               string   `yaml:"addr"`
	AuthToken          string   `yaml:"auth_token"`
	MaxBodyBytes       int64    `yaml:"max_body_bytes"`
	RateLimitMax       int      `yaml:"rate_limit_max"`
	RateLimitWindow    Duration `yaml:"rate_limit_window"`
	StreamPollInterval Duration `yaml:"stream_poll_interval"`
}

// StorageConfig selects backends. Explicit DSNs win over the profile.
type StorageConfig struct {
	Profile     string `yaml:"profile"`
	DataDir     string `yaml:"data_dir"`
	StateDSN    string `yaml:"state_dsn"`
	QueueDSN    string `yaml:"queue_dsn"`
	QueueSize   int    `yaml:"queue_size"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type DeliveryConfig struct {
	Workers    int      `yaml:"workers"`
	Timeout    Duration `yaml:"timeout"`
	MaxRetries int      `yaml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay"`
	MaxDelay   Duration `yaml:"max_delay"`
	UserAgent  string   `yaml:"user_agent"`
}

// CaptureConfig enables the inbox watcher when InboxDir is set.
type CaptureConfig struct {
	InboxDir string `yaml:"inbox_dir"`
	ListID   string `yaml:"list_id"`
}

type EventsConfig struct {
	MaxPerList int `yaml:"max_per_list"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:               ":8080",
			MaxBodyBytes:       1 << 20,
			RateLimitWindow:    Duration(time.Minute),
			StreamPollInterval: Duration(time.Second),
		},
		Storage: StorageConfig{
			DataDir:   ".scanlist",
			QueueSize: 1024,
		},
		Delivery: DeliveryConfig{
			Workers:   1,
			Timeout:   Duration(10 * time.Second),
			BaseDelay: Duration(200 * time.Millisecond),
			MaxDelay:  Duration(5 * time.Second),
			UserAgent: "scanlist",
		},
		Events:   EventsConfig{MaxPerList: 200},
		TimeZone: "Local",
		Log:      LogConfig{Level: "info"},
	}
}

// LoadConfig reads path over the defaults. The raw document is checked
// against the embedded schema before it is decoded.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.sourceDir = filepath.Dir(path)
	return cfg, nil
}

func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if doc == nil {
		return nil
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("load config schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("load config schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	return schema, nil
}

// Validate checks the constraints the schema cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalidConfig)
	}
	if c.Server.RateLimitMax > 0 && c.Server.RateLimitWindow <= 0 {
		return fmt.Errorf("%w: server.rate_limit_window must be positive when rate_limit_max is set", ErrInvalidConfig)
	}
	if c.Delivery.Workers < 0 {
		return fmt.Errorf("%w: delivery.workers must not be negative", ErrInvalidConfig)
	}
	if c.Delivery.MaxDelay > 0 && c.Delivery.BaseDelay > c.Delivery.MaxDelay {
		return fmt.Errorf("%w: delivery.base_delay exceeds delivery.max_delay", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Capture.InboxDir) != "" && strings.TrimSpace(c.Capture.ListID) == "" {
		return fmt.Errorf("%w: capture.list_id is required when capture.inbox_dir is set", ErrInvalidConfig)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, _, err := c.StorageDSNs(); err != nil {
		return err
	}
	return nil
}

func (c *Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.TimeZone)
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: time_zone %q: %v", ErrInvalidConfig, name, err)
	}
	return loc, nil
}

// StorageDSNs resolves the state and delivery queue DSNs. Empty results mean
// the store keeps state in memory only.
func (c *Config) StorageDSNs() (stateDSN, queueDSN string, err error) {
	profileState, profileQueue, err := c.profileDefaults()
	if err != nil {
		return "", "", err
	}
	stateDSN = firstNonEmpty(c.Storage.StateDSN, profileState)
	queueDSN = firstNonEmpty(c.Storage.QueueDSN, profileQueue)
	return stateDSN, queueDSN, nil
}

func (c *Config) profileDefaults() (string, string, error) {
	profile := strings.ToLower(strings.TrimSpace(c.Storage.Profile))
	dataDir := strings.TrimSpace(c.Storage.DataDir)
	if dataDir == "" {
		dataDir = ".scanlist"
	}
	if !filepath.IsAbs(dataDir) && c.sourceDir != "" {
		dataDir = filepath.Join(c.sourceDir, dataDir)
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(c.Storage.PostgresDSN)
		if dsn == "" {
			return "", "", fmt.Errorf("%w: storage.postgres_dsn is required when storage.profile=%s", ErrInvalidConfig, profile)
		}
		return dsn, dsn, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"),
			"file://" + filepath.Join(dataDir, "delivery-queue.json"),
			nil
	default:
		return "", "", fmt.Errorf("%w: unsupported storage.profile: %s", ErrInvalidConfig, profile)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
