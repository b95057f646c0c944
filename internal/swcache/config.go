package swcache

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "BLOGCACHE_"

type Config struct {
	// Version names the cache generation owned by this deployment. Bumping it
	// is the only way to invalidate entries stored by a previous one.
	Version string `koanf:"version" yaml:"version"`

	Server struct {
		Port   int    `koanf:"port" yaml:"port"`
		Origin string `koanf:"origin" yaml:"origin"`
	} `koanf:"server" yaml:"server"`

	Precache    []string `koanf:"precache" yaml:"precache"`
	OfflinePage string   `koanf:"offline_page" yaml:"offline_page"`

	Cacheable struct {
		PathContains []string `koanf:"path_contains" yaml:"path_contains"`
		Extensions   []string `koanf:"extensions" yaml:"extensions"`
		Globs        []string `koanf:"globs" yaml:"globs"`
	} `koanf:"cacheable" yaml:"cacheable"`

	Bypass []string `koanf:"bypass" yaml:"bypass"`

	// BypassWhenCookies lists cookie names that mark a request as personal.
	// Such requests go to the origin untouched.
	BypassWhenCookies []string `koanf:"bypass_when_cookies" yaml:"bypass_when_cookies"`

	Storage struct {
		Driver string `koanf:"driver" yaml:"driver"`
		Path   string `koanf:"path" yaml:"path"`
	} `koanf:"storage" yaml:"storage"`

	Network struct {
		Timeout             time.Duration `koanf:"timeout" yaml:"timeout"`
		PrecacheConcurrency int           `koanf:"precache_concurrency" yaml:"precache_concurrency"`
		Egress              struct {
			ProxyType string `koanf:"proxy_type" yaml:"proxy_type"`
			ProxyURL  string `koanf:"proxy_url" yaml:"proxy_url"`
		} `koanf:"egress" yaml:"egress"`
	} `koanf:"network" yaml:"network"`

	Logging struct {
		StatsEvery time.Duration `koanf:"stats_every" yaml:"stats_every"`
		Requests   bool          `koanf:"requests" yaml:"requests"`
	} `koanf:"logging" yaml:"logging"`
}

func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero fields. A list set explicitly to [] stays empty.
func (c *Config) applyDefaults() {
	if c.Version == "" {
		c.Version = "blog-cache-v1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		c.Server.Origin = "http://127.0.0.1:8000"
	}
	if c.Precache == nil {
		c.Precache = []string{"/", "/static/css/main.css", "/static/js/main.js"}
	}
	if c.OfflinePage == "" {
		c.OfflinePage = "/offline.html"
	}
	if c.Cacheable.PathContains == nil {
		c.Cacheable.PathContains = []string{"/static/", "/media/"}
	}
	if c.Cacheable.Extensions == nil {
		c.Cacheable.Extensions = []string{"css", "js", "png", "jpg", "jpeg", "gif", "svg", "webp"}
	}
	if c.BypassWhenCookies == nil {
		c.BypassWhenCookies = []string{"sessionid"}
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "leveldb"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/leveldb"
	}
	if c.Network.Timeout == 0 {
		c.Network.Timeout = 30 * time.Second
	}
	if c.Network.PrecacheConcurrency == 0 {
		c.Network.PrecacheConcurrency = 4
	}
}

// LoadConfig reads the YAML file at path (a missing file means defaults) and
// overlays BLOGCACHE_* environment variables. A double underscore separates
// nested keys: BLOGCACHE_SERVER__PORT sets server.port.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("access config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func (c *Config) Validate() error {
	if err := validGeneration(c.Version); err != nil {
		return fmt.Errorf("version: %w", err)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	u, err := url.Parse(c.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.origin must be an absolute http(s) URL, got %q", c.Server.Origin)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("server.origin must not carry a path, got %q", u.Path)
	}
	if c.OfflinePage != "" && !strings.HasPrefix(c.OfflinePage, "/") {
		return fmt.Errorf("offline_page must be a path, got %q", c.OfflinePage)
	}
	for i, g := range c.Cacheable.Globs {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("cacheable.globs[%d]: invalid pattern %q", i, g)
		}
	}
	for i, g := range c.Bypass {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("bypass[%d]: invalid pattern %q", i, g)
		}
	}
	switch c.Storage.Driver {
	case "memory":
	case "leveldb":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the leveldb driver")
		}
	default:
		return fmt.Errorf("storage.driver must be memory or leveldb, got %q", c.Storage.Driver)
	}
	if c.Network.Timeout < 0 {
		return fmt.Errorf("network.timeout must be non-negative")
	}
	if c.Network.PrecacheConcurrency < 0 {
		return fmt.Errorf("network.precache_concurrency must be non-negative")
	}
	switch c.Network.Egress.ProxyType {
	case "", "http", "socks5":
	default:
		return fmt.Errorf("network.egress.proxy_type must be http or socks5, got %q", c.Network.Egress.ProxyType)
	}
	if c.Logging.StatsEvery < 0 {
		return fmt.Errorf("logging.stats_every must be non-negative")
	}
	return nil
}

// OpenStorage opens the cache storage selected by storage.driver.
func (c *Config) OpenStorage() (CacheStorage, error) {
	if c.Storage.Driver == "memory" {
		return NewMemoryStorage(), nil
	}
	return OpenLevelDBStorage(c.Storage.Path)
}
