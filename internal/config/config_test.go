package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "webspider.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "seed: http://example.com/\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://example.com/", cfg.Seed)
	assert.Equal(t, 250, cfg.Crawl.IntervalMs)
	assert.Equal(t, 5, cfg.Crawl.MaxConcurrency)
	assert.True(t, cfg.Crawl.RespectRobots)
	assert.True(t, cfg.Crawl.DecompressResponses)
	assert.True(t, cfg.Scope.FilterByDomain)
	assert.True(t, cfg.Scope.IgnoreWWWDomain)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, 300, cfg.HTTP.TimeoutSeconds)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
seed: http://example.com/
crawl:
  max_concurrency: 2
  max_depth: 3
  respect_robots: false
scope:
  scan_subdomains: true
  domain_whitelist:
    - trusted.org
queue:
  backend: postgres
  dsn: postgres://localhost/webspider
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Crawl.MaxConcurrency)
	assert.Equal(t, 3, cfg.Crawl.MaxDepth)
	assert.False(t, cfg.Crawl.RespectRobots)
	assert.True(t, cfg.Scope.ScanSubdomains)
	assert.Equal(t, []string{"trusted.org"}, cfg.Scope.DomainWhitelist)
	assert.Equal(t, "postgres", cfg.Queue.Backend)
}

func TestValidate(t *testing.T) {
	t.Run("missing seed", func(t *testing.T) {
		path := writeConfig(t, "crawl:\n  max_depth: 1\n")
		_, err := Load(path)
		require.ErrorContains(t, err, "seed")
	})

	t.Run("postgres backend requires a dsn", func(t *testing.T) {
		path := writeConfig(t, "seed: http://example.com/\nqueue:\n  backend: postgres\n")
		_, err := Load(path)
		require.ErrorContains(t, err, "queue.dsn")
	})

	t.Run("unknown backend", func(t *testing.T) {
		path := writeConfig(t, "seed: http://example.com/\nqueue:\n  backend: redis\n")
		_, err := Load(path)
		require.ErrorContains(t, err, "queue.backend")
	})

	t.Run("unknown url encoding", func(t *testing.T) {
		path := writeConfig(t, "seed: http://example.com/\nscope:\n  url_encoding: utf16\n")
		_, err := Load(path)
		require.ErrorContains(t, err, "url_encoding")
	})
}

func TestEngineConfig(t *testing.T) {
	path := writeConfig(t, `
seed: http://example.com/
crawl:
  interval_ms: 100
  max_concurrency: 3
http:
  timeout_seconds: 30
  custom_headers:
    X-Custom: enabled
scope:
  allowed_protocols:
    - "^gopher$"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	engineCfg, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/", engineCfg.Seed)
	assert.Equal(t, 100*time.Millisecond, engineCfg.Interval)
	assert.Equal(t, 3, engineCfg.MaxConcurrency)
	assert.Equal(t, 30*time.Second, engineCfg.Timeout)
	assert.Equal(t, []string{"enabled"}, engineCfg.CustomHeaders["X-Custom"])

	// Extra protocols extend the defaults rather than replacing them.
	matched := false
	for _, re := range engineCfg.AllowedProtocols {
		if re.MatchString("gopher") {
			matched = true
		}
	}
	assert.True(t, matched)
}

func TestEngineConfigBadProtocolPattern(t *testing.T) {
	path := writeConfig(t, `
seed: http://example.com/
scope:
  allowed_protocols:
    - "(["
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	_, err = cfg.EngineConfig()
	require.ErrorContains(t, err, "compile allowed protocol")
}
