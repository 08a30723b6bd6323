package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SIGNALING_BACKEND", "")
	t.Setenv("CALL_RING_TIMEOUT", "")
	t.Setenv("ICE_SERVERS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, SignalingBackendRedis, cfg.Call.SignalingBackend)
	assert.Equal(t, 60*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Call.ICEServers)
	assert.True(t, cfg.Call.AllowAudio)
	assert.True(t, cfg.Call.AllowVideo)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SIGNALING_BACKEND", "memory")
	t.Setenv("CALL_RING_TIMEOUT", "15s")
	t.Setenv("ICE_SERVERS", "stun:a.example:3478, turn:b.example:3478")
	t.Setenv("MEDIA_ALLOW_VIDEO", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, SignalingBackendMemory, cfg.Call.SignalingBackend)
	assert.Equal(t, 15*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, []string{"stun:a.example:3478", "turn:b.example:3478"}, cfg.Call.ICEServers)
	assert.False(t, cfg.Call.AllowVideo)
}

func TestLoad_RejectsUnparseableValues(t *testing.T) {
	t.Setenv("SIGNALING_BACKEND", "memory")
	t.Setenv("CALL_RING_TIMEOUT", "60")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CALL_RING_TIMEOUT")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{
				Environment:       "development",
				RateLimitRequests: 30,
				RateLimitWindow:   time.Minute,
			},
			JWT: JWTConfig{Secret: "dev-secret"},
			Call: CallConfig{
				SignalingBackend: SignalingBackendRedis,
				RingTimeout:      time.Minute,
				TeardownTimeout:  time.Second,
				ResyncInterval:   time.Second,
				RecordTTL:        time.Hour,
			},
		}
	}

	assert.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Call.SignalingBackend = "etcd"
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Call.RingTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Call.RecordTTL = time.Second
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Server.RateLimitRequests = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Server.Environment = "production"
	cfg.JWT.Secret = "short"
	assert.Error(t, cfg.Validate())
}

func TestHistoryEnabled(t *testing.T) {
	assert.False(t, (&Config{}).HistoryEnabled())
	assert.True(t, (&Config{Database: DatabaseConfig{Host: "db"}}).HistoryEnabled())
}
