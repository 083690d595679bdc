package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const defaultConfig = `
host:	0.0.0.0
port:	3690
realm:	testrealm
`

func loadOrFail(t *testing.T, cfgString string) *Config {
	cfg, err := Unmarshal([]byte(cfgString))
	if err != nil {
		t.Fatalf("Failed to read config: %v", err.Error())
	}
	return cfg
}

func ensureFail(t *testing.T, cfgString string, desc string) {
	_, err := Unmarshal([]byte(cfgString))
	if err == nil {
		t.Fatalf("Expected config err not found: %s", desc)
	}
	t.Logf("Config err: %v", err.Error())
}

func TestValidConfig(t *testing.T) {
	cfg := loadOrFail(t, defaultConfig)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 3690, cfg.Port)
	assert.Equal(t, "testrealm", cfg.Realm)
	assert.Equal(t, "memory", cfg.Cache)
	assert.Empty(t, cfg.RepositoryMapping)
}

func TestEmptyConfigGetsDefaults(t *testing.T) {
	cfg := loadOrFail(t, "")
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 3690, cfg.Port)
	assert.Equal(t, "gitsvnbridge", cfg.Realm)
	assert.Equal(t, 10*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.AuthTimeout)
}

func TestAddress(t *testing.T) {
	cfg := loadOrFail(t, defaultConfig)
	assert.Equal(t, "0.0.0.0:3690", cfg.Address())
}

func TestRepositoryMapping(t *testing.T) {
	const cfgStr = `
repositoryMapping:
- prefix:        /projects/acme
  gitDir:        /srv/git/acme.git
  defaultBranch: main
  allowAnonymousRead: true
`
	cfg := loadOrFail(t, cfgStr)
	assert.Equal(t, 1, len(cfg.RepositoryMapping))
	assert.Equal(t, "/projects/acme", cfg.RepositoryMapping[0].Prefix)
	assert.Equal(t, "/srv/git/acme.git", cfg.RepositoryMapping[0].GitDir)
	assert.True(t, cfg.RepositoryMapping[0].AllowAnonRead)
}

func TestRepositoryMappingRequiresGitDir(t *testing.T) {
	ensureFail(t, `
repositoryMapping:
- prefix: /projects/acme
`, "missing gitDir")
}

func TestRepositoryMappingRejectsDuplicatePrefix(t *testing.T) {
	ensureFail(t, `
repositoryMapping:
- prefix: /acme
  gitDir: /srv/git/acme.git
- prefix: /acme
  gitDir: /srv/git/acme2.git
`, "duplicate prefix")
}

func TestUserDBRequiresPasswordHash(t *testing.T) {
	ensureFail(t, `
userDB:
- user: alice
`, "missing passwordHash")
}

func TestInvalidPort(t *testing.T) {
	ensureFail(t, `
port: 99999
`, "invalid port")
}
