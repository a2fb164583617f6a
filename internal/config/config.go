// Package config loads and validates CLI configuration via Viper.
package config

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/webspider/internal/crawler"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Seed    string        `mapstructure:"seed"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Scope   ScopeConfig   `mapstructure:"scope"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CrawlConfig governs control loop and extraction behavior.
type CrawlConfig struct {
	IntervalMs          int     `mapstructure:"interval_ms"`
	MaxConcurrency      int     `mapstructure:"max_concurrency"`
	MaxDepth            int     `mapstructure:"max_depth"`
	RespectRobots       bool    `mapstructure:"respect_robots"`
	DecompressResponses bool    `mapstructure:"decompress_responses"`
	DecodeResponses     bool    `mapstructure:"decode_responses"`
	DownloadUnsupported bool    `mapstructure:"download_unsupported"`
	ParseHTMLComments   bool    `mapstructure:"parse_html_comments"`
	ParseScriptTags     bool    `mapstructure:"parse_script_tags"`
	RateLimitRPS        float64 `mapstructure:"rate_limit_rps"`
	MaxResourceSize     int64   `mapstructure:"max_resource_size"`
}

// ScopeConfig governs domain admission.
type ScopeConfig struct {
	FilterByDomain      bool     `mapstructure:"filter_by_domain"`
	ScanSubdomains      bool     `mapstructure:"scan_subdomains"`
	IgnoreWWWDomain     bool     `mapstructure:"ignore_www_domain"`
	StripWWWDomain      bool     `mapstructure:"strip_www_domain"`
	StripQuerystring    bool     `mapstructure:"strip_querystring"`
	SortQueryParameters bool     `mapstructure:"sort_query_parameters"`
	DomainWhitelist     []string `mapstructure:"domain_whitelist"`
	AllowedProtocols    []string `mapstructure:"allowed_protocols"`
	AllowInitialChange  bool     `mapstructure:"allow_initial_domain_change"`
	URLEncoding         string   `mapstructure:"url_encoding"`
}

// HTTPConfig configures the request engine's transport behavior.
type HTTPConfig struct {
	UserAgent        string            `mapstructure:"user_agent"`
	TimeoutSeconds   int               `mapstructure:"timeout_seconds"`
	AcceptCookies    bool              `mapstructure:"accept_cookies"`
	IgnoreInvalidSSL bool              `mapstructure:"ignore_invalid_ssl"`
	CustomHeaders    map[string]string `mapstructure:"custom_headers"`
	UseProxy         bool              `mapstructure:"use_proxy"`
	ProxyHostname    string            `mapstructure:"proxy_hostname"`
	ProxyPort        int               `mapstructure:"proxy_port"`
	ProxyUser        string            `mapstructure:"proxy_user"`
	ProxyPass        string            `mapstructure:"proxy_pass"`
	NeedsAuth        bool              `mapstructure:"needs_auth"`
	AuthUser         string            `mapstructure:"auth_user"`
	AuthPass         string            `mapstructure:"auth_pass"`
}

// QueueConfig selects the fetch queue backend.
type QueueConfig struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
	Defrost string `mapstructure:"defrost"`
	Freeze  string `mapstructure:"freeze"`
}

// CacheConfig enables the conditional-fetch cache collaborator.
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// ServerConfig controls the optional status/metrics HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WEBSPIDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.interval_ms", 250)
	v.SetDefault("crawl.max_concurrency", 5)
	v.SetDefault("crawl.max_depth", 0)
	v.SetDefault("crawl.respect_robots", true)
	v.SetDefault("crawl.decompress_responses", true)
	v.SetDefault("crawl.decode_responses", false)
	v.SetDefault("crawl.download_unsupported", true)
	v.SetDefault("crawl.parse_html_comments", true)
	v.SetDefault("crawl.parse_script_tags", true)
	v.SetDefault("crawl.max_resource_size", crawler.DefaultMaxResourceSize)
	v.SetDefault("scope.filter_by_domain", true)
	v.SetDefault("scope.ignore_www_domain", true)
	v.SetDefault("scope.url_encoding", "unicode")
	v.SetDefault("http.user_agent", crawler.DefaultUserAgent)
	v.SetDefault("http.timeout_seconds", 300)
	v.SetDefault("http.accept_cookies", true)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("cache.dir", ".webspider-cache")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Seed) == "" {
		return fmt.Errorf("seed must be set")
	}
	if c.Crawl.MaxConcurrency <= 0 {
		return fmt.Errorf("crawl.max_concurrency must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	switch c.Queue.Backend {
	case "memory":
	case "postgres":
		if c.Queue.DSN == "" {
			return fmt.Errorf("queue.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("queue.backend must be memory or postgres")
	}
	if c.Scope.URLEncoding != "unicode" && c.Scope.URLEncoding != "iso8859" {
		return fmt.Errorf("scope.url_encoding must be unicode or iso8859")
	}
	return nil
}

// EngineConfig converts the loaded file into the crawler's Config.
func (c Config) EngineConfig() (crawler.Config, error) {
	cfg := crawler.NewConfig(c.Seed)
	cfg.Interval = time.Duration(c.Crawl.IntervalMs) * time.Millisecond
	cfg.MaxConcurrency = c.Crawl.MaxConcurrency
	cfg.MaxDepth = c.Crawl.MaxDepth
	cfg.RespectRobotsTxt = c.Crawl.RespectRobots
	cfg.DecompressResponses = c.Crawl.DecompressResponses
	cfg.DecodeResponses = c.Crawl.DecodeResponses
	cfg.DownloadUnsupported = c.Crawl.DownloadUnsupported
	cfg.ParseHTMLComments = c.Crawl.ParseHTMLComments
	cfg.ParseScriptTags = c.Crawl.ParseScriptTags
	cfg.RateLimitRPS = c.Crawl.RateLimitRPS
	if c.Crawl.MaxResourceSize > 0 {
		cfg.MaxResourceSize = c.Crawl.MaxResourceSize
	}

	cfg.FilterByDomain = c.Scope.FilterByDomain
	cfg.ScanSubdomains = c.Scope.ScanSubdomains
	cfg.IgnoreWWWDomain = c.Scope.IgnoreWWWDomain
	cfg.StripWWWDomain = c.Scope.StripWWWDomain
	cfg.StripQuerystring = c.Scope.StripQuerystring
	cfg.SortQueryParameters = c.Scope.SortQueryParameters
	cfg.DomainWhitelist = c.Scope.DomainWhitelist
	cfg.AllowInitialDomainChange = c.Scope.AllowInitialChange
	cfg.URLEncoding = c.Scope.URLEncoding
	for _, pattern := range c.Scope.AllowedProtocols {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return crawler.Config{}, fmt.Errorf("compile allowed protocol %q: %w", pattern, err)
		}
		cfg.AllowedProtocols = append(cfg.AllowedProtocols, re)
	}

	cfg.UserAgent = c.HTTP.UserAgent
	cfg.Timeout = time.Duration(c.HTTP.TimeoutSeconds) * time.Second
	cfg.AcceptCookies = c.HTTP.AcceptCookies
	cfg.IgnoreInvalidSSL = c.HTTP.IgnoreInvalidSSL
	cfg.UseProxy = c.HTTP.UseProxy
	cfg.ProxyHostname = c.HTTP.ProxyHostname
	cfg.ProxyPort = c.HTTP.ProxyPort
	cfg.ProxyUser = c.HTTP.ProxyUser
	cfg.ProxyPass = c.HTTP.ProxyPass
	cfg.NeedsAuth = c.HTTP.NeedsAuth
	cfg.AuthUser = c.HTTP.AuthUser
	cfg.AuthPass = c.HTTP.AuthPass
	for key, value := range c.HTTP.CustomHeaders {
		if cfg.CustomHeaders == nil {
			cfg.CustomHeaders = map[string][]string{}
		}
		cfg.CustomHeaders[http.CanonicalHeaderKey(key)] = []string{value}
	}

	return cfg, nil
}
