package coremain

import (
	"time"

	"github.com/pmkol/hyperdns/mlog"
	"github.com/pmkol/hyperdns/pkg/protocol"
)

type Config struct {
	Log     mlog.LogConfig `yaml:"log"`
	Include []string       `yaml:"include"`

	Resolver ResolverConfig `yaml:"resolver"`
	Cache    CacheConfig    `yaml:"cache"`

	// Protocols are added to the builtin protocols.
	Protocols []protocol.Config `yaml:"protocols"`

	API APIConfig `yaml:"api"`
}

type ResolverConfig struct {
	// DoH endpoints of the DNS json api. Default is resolver.DefaultDoH.
	DoH   []string `yaml:"doh"`
	NoDoH bool     `yaml:"no_doh"`
	HTTP3 bool     `yaml:"http3"`

	// SystemServers replace the nameservers of ResolvConf.
	SystemServers []string `yaml:"system_servers"`
	ResolvConf    string   `yaml:"resolv_conf"`

	UserAgent string `yaml:"user_agent"`

	TTL    int `yaml:"ttl"`
	MinTTL int `yaml:"min_ttl"`
	MaxTTL int `yaml:"max_ttl"`

	IgnoreCache      bool `yaml:"ignore_cache"`
	IgnoreCachedMiss bool `yaml:"ignore_cached_miss"`
	NoCorsWarning    bool `yaml:"no_cors_warning"`

	Timeout time.Duration `yaml:"timeout"`

	// Builtin selects builtin protocols by name. Default is all of them.
	Builtin []string `yaml:"builtin"`

	ProtocolPreference []string `yaml:"protocol_preference"`
	FallbackProtocol   string   `yaml:"fallback_protocol"`
}

type CacheConfig struct {
	// Size of the memory cache. Default is 1000.
	Size            int           `yaml:"size"`
	CleanerInterval time.Duration `yaml:"cleaner_interval"`

	// Backend of the durable tier: "file" (default), "redis" or "none".
	Backend string `yaml:"backend"`

	// File of the "file" backend. Default is {user cache dir}/hyperdns/cache.db.
	File        string        `yaml:"file"`
	AutoClose   time.Duration `yaml:"auto_close"`
	MaxFileSize int64         `yaml:"max_file_size"`

	// Redis is a redis url, e.g. redis://localhost:6379/0.
	Redis        string        `yaml:"redis"`
	RedisPrefix  string        `yaml:"redis_prefix"`
	RedisTimeout time.Duration `yaml:"redis_timeout"`
}

type APIConfig struct {
	HTTP        string        `yaml:"http"`
	SrcIPHeader string        `yaml:"src_ip_header"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}
