package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_HS_SECRET", "s3cret")

	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "memory", c.Store.Driver)
	assert.Equal(t, 8085, c.App.Port)
	assert.Equal(t, 50, c.Chat.SearchLimit)
	assert.Equal(t, 25*time.Second, c.PingInterval)
	assert.Equal(t, 10*time.Second, c.WriteDeadline)
	assert.Equal(t, 3*time.Second, c.PersistTimeout)
	assert.Equal(t, int64(65536), c.WS.MaxMessageSizeBytes)
	assert.False(t, c.Kafka.Enabled())
	assert.False(t, c.Redis.Enabled())
	assert.True(t, c.App.Development())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, `
app:
  env: production
  port: 9000
store:
  driver: pebble
pebble:
  path: /tmp/chat
jwt:
  algorithm: HS256
  hs_secret: from-file
chat:
  search_limit: 20
kafka:
  brokers: ["k1:9092"]
`)
	t.Setenv("APP_PORT", "9100")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, c.App.Port)
	assert.Equal(t, "9100", c.App.PortString())
	assert.False(t, c.App.Development())
	assert.Equal(t, "pebble", c.Store.Driver)
	assert.Equal(t, "/tmp/chat", c.Pebble.Path)
	assert.Equal(t, 20, c.Chat.SearchLimit)
	assert.Equal(t, []string{"k1:9092"}, c.Kafka.Brokers)
	assert.True(t, c.Redis.Enabled())
	assert.Equal(t, "localhost:6379", c.Redis.Addr)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"mongo without uri", "store: {driver: mongo}\njwt: {hs_secret: x}\n"},
		{"unknown driver", "store: {driver: sqlite}\njwt: {hs_secret: x}\n"},
		{"missing secret", "jwt: {algorithm: HS256}\n"},
		{"rs256 without key", "jwt: {algorithm: RS256}\n"},
		{"http directory without url", "jwt: {hs_secret: x}\ndirectory: {source: http}\n"},
		{"zero search limit", "jwt: {hs_secret: x}\nchat: {search_limit: 0}\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}
