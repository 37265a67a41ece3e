package config

import "time"

// Config holds all configuration for the proxy.
type Config struct {
	Listen    []ListenConfig  `yaml:"listen"`
	Admin     AdminConfig     `yaml:"admin"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Pool      PoolConfig      `yaml:"pool"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	ACL       ACLConfig       `yaml:"acl"`
	Blocklist BlocklistConfig `yaml:"blocklist"`
	Routes    []RouteConfig   `yaml:"routes"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ListenConfig is one (address, port) the proxy accepts client connections on.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AdminConfig configures the loopback-only stats/health endpoint.
type AdminConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ProxyConfig holds connection-lifecycle timeouts and admission limits.
type ProxyConfig struct {
	MaxConnections    int           `yaml:"max_connections"`
	BufferSize        int           `yaml:"buffer_size"`
	PrefixCapBytes    int           `yaml:"prefix_cap_bytes"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	PrefixReadTimeout time.Duration `yaml:"prefix_read_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// PoolConfig bounds the idle upstream-connection pool.
type PoolConfig struct {
	MaxPerKey     int           `yaml:"max_per_key"`
	MaxIdle       time.Duration `yaml:"max_idle"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RateLimitConfig configures the per-source-IP token-bucket limiter.
type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Window            time.Duration `yaml:"window"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// ACLConfig is an ordered allow/deny CIDR list; first match wins, default allow.
type ACLConfig struct {
	Rules []ACLRuleConfig `yaml:"rules"`
}

type ACLRuleConfig struct {
	CIDR   string `yaml:"cidr"`
	Action string `yaml:"action"` // "allow" or "deny"
}

// BlocklistConfig extends the built-in category tables with extra entries.
type BlocklistConfig struct {
	Extra map[string]map[string]string `yaml:"extra"` // category -> domain -> reason
}

// RouteConfig maps a match rule to a fixed upstream.
type RouteConfig struct {
	Match    RouteMatchConfig `yaml:"match"`
	Upstream UpstreamConfig   `yaml:"upstream"`
}

type RouteMatchConfig struct {
	SNISuffix  string `yaml:"sni_suffix"`
	HostSuffix string `yaml:"host_suffix"`
	ClientCIDR string `yaml:"client_cidr"`
}

type UpstreamConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig mirrors logger.Config so it can round-trip through YAML/viper.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Theme      string `yaml:"theme"`
	LogDir     string `yaml:"log_dir"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	FileOutput bool   `yaml:"file_output"`
	PrettyLogs bool   `yaml:"pretty_logs"`
}
