package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for sqlbridge.
type Config struct {
	Listen       ListenConfig                 `yaml:"listen"`
	Routing      RoutingConfig                `yaml:"routing"`
	Pool         PoolConfig                   `yaml:"pool"`
	Destinations map[string]DestinationConfig `yaml:"destinations"`
	HealthCheck  HealthCheckConfig            `yaml:"health_check"`
	// Credentials maps account names to their passwords. The router
	// authenticates clients against these and re-authenticates backends
	// on their behalf; connection sharing needs the cleartext password.
	Credentials map[string]string `yaml:"credentials"`
}

// ListenConfig defines the ports and bind addresses sqlbridge listens on.
type ListenConfig struct {
	ClientPort int    `yaml:"client_port"`
	ClientBind string `yaml:"client_bind"`
	APIPort    int    `yaml:"api_port"`
	APIBind    string `yaml:"api_bind"`
	// APIKeyHash is a bcrypt hash of the admin API key.
	APIKeyHash string `yaml:"api_key_hash"`
}

// RoutingConfig steers how backend connections are prepared for clients.
type RoutingConfig struct {
	// ConnectRetryTimeout bounds transient-error reconnect attempts.
	ConnectRetryTimeout time.Duration `yaml:"connect_retry_timeout"`
	// ConnectionSharing allows idle backends to be pooled and repurposed
	// for other compatible client sessions.
	ConnectionSharing bool `yaml:"connection_sharing"`
	// RouterRequireEnforce enforces per-account connection requirements
	// from the router_require user attribute.
	RouterRequireEnforce bool `yaml:"router_require_enforce"`
	// WaitForMyWrites makes read-only backends wait until the client's
	// own writes are visible.
	WaitForMyWrites        bool          `yaml:"wait_for_my_writes"`
	WaitForMyWritesTimeout time.Duration `yaml:"wait_for_my_writes_timeout"`
	DialTimeout            time.Duration `yaml:"dial_timeout"`
}

// PoolConfig defines the idle-backend pool limits.
type PoolConfig struct {
	MaxIdlePerDestination int           `yaml:"max_idle_per_destination"`
	IdleTimeout           time.Duration `yaml:"idle_timeout"`
	MaxLifetime           time.Duration `yaml:"max_lifetime"`
}

// DestinationConfig describes one backend server.
type DestinationConfig struct {
	Address string `yaml:"address"`
	// Mode is "read-write" or "read-only".
	Mode string `yaml:"mode"`
}

// HealthCheckConfig controls the periodic backend probes.
type HealthCheckConfig struct {
	Interval         time.Duration `yaml:"interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	// Username/Password identify the monitoring account used for probes.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.ClientPort == 0 {
		cfg.Listen.ClientPort = 6446
	}
	if cfg.Listen.ClientBind == "" {
		cfg.Listen.ClientBind = "0.0.0.0"
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Routing.ConnectRetryTimeout == 0 {
		cfg.Routing.ConnectRetryTimeout = 7 * time.Second
	}
	if cfg.Routing.WaitForMyWritesTimeout == 0 {
		cfg.Routing.WaitForMyWritesTimeout = 2 * time.Second
	}
	if cfg.Routing.DialTimeout == 0 {
		cfg.Routing.DialTimeout = 5 * time.Second
	}
	if cfg.Pool.MaxIdlePerDestination == 0 {
		cfg.Pool.MaxIdlePerDestination = 64
	}
	if cfg.Pool.IdleTimeout == 0 {
		cfg.Pool.IdleTimeout = 5 * time.Minute
	}
	if cfg.Pool.MaxLifetime == 0 {
		cfg.Pool.MaxLifetime = 30 * time.Minute
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 10 * time.Second
	}
	if cfg.HealthCheck.FailureThreshold == 0 {
		cfg.HealthCheck.FailureThreshold = 3
	}
	if cfg.HealthCheck.ConnectTimeout == 0 {
		cfg.HealthCheck.ConnectTimeout = 3 * time.Second
	}
}

func validate(cfg *Config) error {
	if len(cfg.Destinations) == 0 {
		return fmt.Errorf("at least one destination is required")
	}
	for name, dest := range cfg.Destinations {
		if dest.Address == "" {
			return fmt.Errorf("destination %q: address is required", name)
		}
		if dest.Mode != "read-write" && dest.Mode != "read-only" {
			return fmt.Errorf("destination %q: unsupported mode %q (must be read-write or read-only)", name, dest.Mode)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Warn("config hot-reload failed", "err", err)
		return
	}

	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
