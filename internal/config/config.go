package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultListenHost = "0.0.0.0"
	DefaultListenPort = 8888
	DefaultAdminHost  = "127.0.0.1"
	DefaultAdminPort  = 8889

	DefaultFileWriteDelay = 150 * time.Millisecond // small delay to let a config write finish landing on disk
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns a configuration with sensible defaults for a single
// listener forwarding straight through with no blocklist or route overrides.
func DefaultConfig() *Config {
	return &Config{
		Listen: []ListenConfig{
			{Host: DefaultListenHost, Port: DefaultListenPort},
		},
		Admin: AdminConfig{
			Host: DefaultAdminHost,
			Port: DefaultAdminPort,
		},
		Proxy: ProxyConfig{
			MaxConnections:    1000,
			BufferSize:        64 * 1024,
			PrefixCapBytes:    16 * 1024,
			ConnectTimeout:    30 * time.Second,
			PrefixReadTimeout: 10 * time.Second,
			IdleTimeout:       5 * time.Minute,
			ShutdownTimeout:   5 * time.Second,
		},
		Pool: PoolConfig{
			MaxPerKey:     10,
			MaxIdle:       90 * time.Second,
			SweepInterval: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 100,
			Window:            time.Minute,
			SweepInterval:     time.Minute,
		},
		ACL: ACLConfig{
			Rules: []ACLRuleConfig{},
		},
		Blocklist: BlocklistConfig{
			Extra: map[string]map[string]string{},
		},
		Routes: []RouteConfig{},
		Logging: LoggingConfig{
			Level:      "info",
			Theme:      "default",
			LogDir:     "./logs",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			FileOutput: false,
			PrettyLogs: true,
		},
	}
}

// Flags registers the CLI flags that override config-file/env values, following
// the teacher's pattern of a pflag.FlagSet bound into viper before Load runs.
func Flags(fs *pflag.FlagSet) {
	fs.String("listen-host", DefaultListenHost, "address the proxy listens for client connections on")
	fs.Int("listen-port", DefaultListenPort, "port the proxy listens for client connections on")
	fs.Int("admin-port", DefaultAdminPort, "port the loopback-only admin/status endpoint listens on")
	fs.Int("max-connections", 1000, "maximum number of concurrent client connections")
	fs.Int("rate-limit-rpm", 100, "requests per minute allowed per source IP")
	fs.Int("buffer-size", 64*1024, "size in bytes of each relay direction's read buffer")
	fs.String("config", "", "path to a YAML config file")
}

// Load loads configuration from flags, a config file and PXY_-prefixed
// environment variables, in that order of increasing precedence inversion
// (flags win, then env, then file, then defaults - viper's usual stack).
func Load(fs *pflag.FlagSet, onConfigChange func()) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("PXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("unable to bind flags: %w", err)
		}
		if cf, _ := fs.GetString("config"); cf != "" {
			v.SetConfigFile(cf)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("PXY_CONFIG_FILE"); configFile != "" {
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	applyFlagOverrides(cfg, v)

	v.WatchConfig()
	if onConfigChange != nil {
		v.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return // ignore rapid-fire duplicate events
			}
			lastReload = now

			// some filesystems fire the watch event before the write is flushed
			time.Sleep(DefaultFileWriteDelay)
			onConfigChange()
		})
	}

	return cfg, nil
}

// applyFlagOverrides layers explicit CLI flags over the unmarshalled config,
// since viper.Unmarshal alone won't route bound pflags into nested struct fields.
func applyFlagOverrides(cfg *Config, v *viper.Viper) {
	if len(cfg.Listen) == 0 {
		cfg.Listen = []ListenConfig{{Host: DefaultListenHost, Port: DefaultListenPort}}
	}
	if v.IsSet("listen-host") {
		cfg.Listen[0].Host = v.GetString("listen-host")
	}
	if v.IsSet("listen-port") {
		cfg.Listen[0].Port = v.GetInt("listen-port")
	}
	if v.IsSet("admin-port") {
		cfg.Admin.Port = v.GetInt("admin-port")
	}
	if v.IsSet("max-connections") {
		cfg.Proxy.MaxConnections = v.GetInt("max-connections")
	}
	if v.IsSet("rate-limit-rpm") {
		cfg.RateLimit.RequestsPerMinute = v.GetInt("rate-limit-rpm")
	}
	if v.IsSet("buffer-size") {
		cfg.Proxy.BufferSize = v.GetInt("buffer-size")
	}
}
