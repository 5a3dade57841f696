package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	AppName               = "chatgpt-clone"
	DefaultBaseURL        = "http://localhost:8000"
	DefaultGlamourStyle   = "dark"
	DefaultRequestTimeout = 2 * time.Minute
)

type AppConfig struct {
	BaseURL             string        `yaml:"base_url"`
	DataDir             string        `yaml:"data_dir"`
	DBPath              string        `yaml:"db_path"`
	ExportDir           string        `yaml:"export_dir"`
	LogPath             string        `yaml:"log_path"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	Verbose             bool          `yaml:"verbose"`
	NewSessionPosition  string        `yaml:"new_session_position"`
	LogoutOnAuthFailure bool          `yaml:"logout_on_auth_failure"`
	GlamourStyle        string        `yaml:"glamour_style"`

	// ConfigPath is the YAML file that was consulted, whether or not it existed.
	ConfigPath string `yaml:"-"`
}

func Defaults() AppConfig {
	return AppConfig{
		BaseURL:             DefaultBaseURL,
		RequestTimeout:      DefaultRequestTimeout,
		NewSessionPosition:  "prepend",
		LogoutOnAuthFailure: true,
		GlamourStyle:        DefaultGlamourStyle,
	}
}

// RegisterFlags adds the configuration flags to fs. Only flags the user
// actually sets override lower layers.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("config", "", "path to config.yaml")
	fs.String("api-url", d.BaseURL, "chat backend base URL")
	fs.String("data-dir", "", "directory for the token store, log and exports")
	fs.String("db-path", "", "path to the SQLite state file")
	fs.String("export-dir", "", "override export output directory")
	fs.String("log-file", "", "path to the log file")
	fs.Duration("timeout", d.RequestTimeout, "per-request timeout")
	fs.BoolP("verbose", "v", false, "enable debug logging")
	fs.String("new-session-position", d.NewSessionPosition, "where new chats appear in the list (prepend|append)")
	fs.Bool("logout-on-auth-failure", d.LogoutOnAuthFailure, "log out when the backend rejects the token")
	fs.String("glamour-style", d.GlamourStyle, "markdown style for replies")
}

// Load resolves configuration from defaults, the YAML file, .env, the
// environment and finally fs.
func Load(fs *pflag.FlagSet) (AppConfig, error) {
	return load(fs, os.LookupEnv, ".env")
}

func load(fs *pflag.FlagSet, lookup func(string) (string, bool), envFiles ...string) (AppConfig, error) {
	env, err := readDotEnv(envFiles...)
	if err != nil {
		return AppConfig{}, err
	}
	getenv := func(key string) string {
		if v, ok := lookup(key); ok {
			return v
		}
		return env[key]
	}

	cfg := Defaults()

	path := flagString(fs, "config")
	if path == "" {
		path = getenv("CHAT_CONFIG")
	}
	if path == "" {
		dir, err := DetectConfigDir("", getenv)
		if err != nil {
			return cfg, err
		}
		path = filepath.Join(dir, "config.yaml")
	}
	cfg.ConfigPath = path
	if err := LoadFile(&cfg, path); err != nil {
		return cfg, err
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	if err := applyFlags(&cfg, fs); err != nil {
		return cfg, err
	}

	cfg.DataDir, err = DetectDataDir(cfg.DataDir, getenv)
	if err != nil {
		return cfg, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "state.sqlite")
	}
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(cfg.DataDir, AppName+".log")
	}
	if cfg.ExportDir == "" {
		cfg.ExportDir = filepath.Join(cfg.DataDir, "exports")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return cfg, errors.New("api url must not be empty")
	}
	if cfg.RequestTimeout < 0 {
		return cfg, fmt.Errorf("timeout must not be negative: %s", cfg.RequestTimeout)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return cfg, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg. A missing file is not an
// error.
func LoadFile(cfg *AppConfig, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func readDotEnv(paths ...string) (map[string]string, error) {
	out := make(map[string]string)
	for _, p := range paths {
		values, err := godotenv.Read(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		for k, v := range values {
			if _, ok := out[k]; !ok {
				out[k] = v
			}
		}
	}
	return out, nil
}

func applyEnv(cfg *AppConfig, getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setString("CHAT_API_URL", &cfg.BaseURL)
	setString("CHAT_DATA_DIR", &cfg.DataDir)
	setString("CHAT_DB_PATH", &cfg.DBPath)
	setString("CHAT_EXPORT_DIR", &cfg.ExportDir)
	setString("CHAT_LOG_FILE", &cfg.LogPath)
	setString("CHAT_NEW_SESSION_POSITION", &cfg.NewSessionPosition)
	setString("CHAT_GLAMOUR_STYLE", &cfg.GlamourStyle)

	if v := getenv("CHAT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CHAT_TIMEOUT: %w", err)
		}
		cfg.RequestTimeout = d
	}
	for key, dst := range map[string]*bool{
		"CHAT_VERBOSE":                &cfg.Verbose,
		"CHAT_LOGOUT_ON_AUTH_FAILURE": &cfg.LogoutOnAuthFailure,
	} {
		v := getenv(key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
	}
	return nil
}

func applyFlags(cfg *AppConfig, fs *pflag.FlagSet) error {
	if fs == nil {
		return nil
	}
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "api-url":
			cfg.BaseURL = f.Value.String()
		case "data-dir":
			cfg.DataDir = f.Value.String()
		case "db-path":
			cfg.DBPath = f.Value.String()
		case "export-dir":
			cfg.ExportDir = f.Value.String()
		case "log-file":
			cfg.LogPath = f.Value.String()
		case "new-session-position":
			cfg.NewSessionPosition = f.Value.String()
		case "glamour-style":
			cfg.GlamourStyle = f.Value.String()
		case "timeout":
			cfg.RequestTimeout, err = fs.GetDuration(f.Name)
		case "verbose":
			cfg.Verbose, err = fs.GetBool(f.Name)
		case "logout-on-auth-failure":
			cfg.LogoutOnAuthFailure, err = fs.GetBool(f.Name)
		}
	})
	return err
}

func flagString(fs *pflag.FlagSet, name string) string {
	if fs == nil || !fs.Changed(name) {
		return ""
	}
	v, _ := fs.GetString(name)
	return v
}

func DetectDataDir(explicit string, getenv func(string) string) (string, error) {
	if explicit != "" {
		return filepath.Clean(explicit), nil
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if xdg := getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", AppName), nil
}

func DetectConfigDir(explicit string, getenv func(string) string) (string, error) {
	if explicit != "" {
		return filepath.Clean(explicit), nil
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if xdg := getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config directory: %w", err)
	}
	return filepath.Join(dir, AppName), nil
}
