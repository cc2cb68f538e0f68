// Package config loads relay and agent settings from a YAML file overlaid by
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// LookupEnv matches os.LookupEnv so tests can inject an environment.
type LookupEnv func(key string) (string, bool)

// Log configures logging.New.
type Log struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
}

// Storage selects the relay's snapshot store.
type Storage struct {
	Driver string `yaml:"driver" validate:"oneof=memory badger bolt postgres"`
	DSN    string `yaml:"dsn" validate:"required_if=Driver postgres"`
	Path   string `yaml:"path"`
}

// Relay is the relay server's configuration.
type Relay struct {
	Addr       string  `yaml:"addr" validate:"required"`
	RedisAddr  string  `yaml:"redis_addr"`
	Storage    Storage `yaml:"storage"`
	JWTSecret  string  `yaml:"jwt_secret"`
	InstanceID string  `yaml:"instance_id"`
	MDNS       bool    `yaml:"mdns"`
	SendBuffer int     `yaml:"send_buffer" validate:"gte=0"`
	Log        Log     `yaml:"log"`
}

// Agent is the local client's configuration.
type Agent struct {
	// RelayURL is the relay's websocket base, e.g. ws://host:8080. Empty
	// means find one over mDNS when Discover is set.
	RelayURL   string        `yaml:"relay_url" validate:"omitempty,url"`
	Discover   bool          `yaml:"discover"`
	NotebookID string        `yaml:"notebook_id" validate:"required,max=128"`
	PageID     string        `yaml:"page_id" validate:"max=128"`
	Token      string        `yaml:"token" validate:"required"`
	DataPath   string        `yaml:"data_path" validate:"required"`
	Listen     string        `yaml:"listen" validate:"required"`
	Reconnect  bool          `yaml:"reconnect"`
	Timeout    time.Duration `yaml:"discover_timeout"`
	Log        Log           `yaml:"log"`
}

// DefaultRelay is the relay configuration before file and environment.
func DefaultRelay() Relay {
	return Relay{
		Addr:       ":8080",
		Storage:    Storage{Driver: "memory"},
		SendBuffer: 256,
		Log:        Log{Level: "info"},
	}
}

// DefaultAgent is the agent configuration before file and environment.
func DefaultAgent() Agent {
	return Agent{
		Discover:  true,
		DataPath:  "collabnote.db",
		Listen:    "127.0.0.1:8090",
		Reconnect: true,
		Timeout:   5 * time.Second,
		Log:       Log{Level: "info"},
	}
}

// LoadRelay reads path (optional), applies the environment and validates.
func LoadRelay(path string, env LookupEnv) (Relay, error) {
	cfg := DefaultRelay()
	if err := readFile(path, &cfg); err != nil {
		return Relay{}, err
	}
	if env == nil {
		env = os.LookupEnv
	}
	driverSet := cfg.Storage.Driver != "" && cfg.Storage.Driver != "memory"
	str(env, "COLLAB_ADDR", &cfg.Addr)
	str(env, "REDIS_ADDR", &cfg.RedisAddr)
	str(env, "COLLAB_STORAGE_DRIVER", &cfg.Storage.Driver)
	str(env, "COLLAB_STORAGE_PATH", &cfg.Storage.Path)
	if dsn, ok := env("DATABASE_URL"); ok && dsn != "" {
		cfg.Storage.DSN = dsn
		if _, explicit := env("COLLAB_STORAGE_DRIVER"); !explicit && !driverSet {
			cfg.Storage.Driver = "postgres"
		}
	}
	str(env, "COLLAB_JWT_SECRET", &cfg.JWTSecret)
	str(env, "COLLAB_INSTANCE_ID", &cfg.InstanceID)
	str(env, "COLLAB_LOG_LEVEL", &cfg.Log.Level)
	if err := boolean(env, "COLLAB_LOG_JSON", &cfg.Log.JSON); err != nil {
		return Relay{}, err
	}
	if err := boolean(env, "COLLAB_MDNS", &cfg.MDNS); err != nil {
		return Relay{}, err
	}
	if err := validate.Struct(cfg); err != nil {
		return Relay{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch cfg.Storage.Driver {
	case "badger", "bolt":
		if cfg.Storage.Path == "" {
			return Relay{}, fmt.Errorf("%w: storage.path is required for %s", ErrInvalid, cfg.Storage.Driver)
		}
	}
	return cfg, nil
}

// LoadAgent reads path (optional), applies the environment and validates.
func LoadAgent(path string, env LookupEnv) (Agent, error) {
	cfg := DefaultAgent()
	if err := readFile(path, &cfg); err != nil {
		return Agent{}, err
	}
	if env == nil {
		env = os.LookupEnv
	}
	str(env, "COLLAB_RELAY_URL", &cfg.RelayURL)
	str(env, "COLLAB_NOTEBOOK_ID", &cfg.NotebookID)
	str(env, "COLLAB_PAGE_ID", &cfg.PageID)
	str(env, "COLLAB_TOKEN", &cfg.Token)
	str(env, "COLLAB_DATA_PATH", &cfg.DataPath)
	str(env, "COLLAB_LISTEN", &cfg.Listen)
	str(env, "COLLAB_LOG_LEVEL", &cfg.Log.Level)
	for key, dst := range map[string]*bool{
		"COLLAB_DISCOVER":  &cfg.Discover,
		"COLLAB_RECONNECT": &cfg.Reconnect,
		"COLLAB_LOG_JSON":  &cfg.Log.JSON,
	} {
		if err := boolean(env, key, dst); err != nil {
			return Agent{}, err
		}
	}
	if cfg.PageID == "" {
		cfg.PageID = cfg.NotebookID
	}
	if err := validate.Struct(cfg); err != nil {
		return Agent{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if cfg.RelayURL == "" && !cfg.Discover {
		return Agent{}, fmt.Errorf("%w: relay_url is required when discovery is off", ErrInvalid)
	}
	return cfg, nil
}

var validate = validator.New()

func readFile(path string, dst any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func str(env LookupEnv, key string, dst *string) {
	if v, ok := env(key); ok && v != "" {
		*dst = v
	}
}

func boolean(env LookupEnv, key string, dst *bool) error {
	v, ok := env(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	*dst = b
	return nil
}
