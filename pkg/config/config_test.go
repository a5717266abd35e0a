package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.env"), quietLogger())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.SIPHost)
	assert.Equal(t, 5060, cfg.SIPPort)
	assert.Equal(t, 10000, cfg.RTPPort)
	assert.Equal(t, 100, cfg.RTPPortRange)
	assert.Equal(t, "info", cfg.LogLevel)

	dyn := cfg.Dynamic()
	assert.Equal(t, 50, dyn.JitterBufferSize)
	assert.Equal(t, 100*time.Millisecond, dyn.JitterBufferDelay)
	assert.Equal(t, 500*time.Millisecond, dyn.MaxJitterBufferDelay)
	assert.Equal(t, 2*time.Second, dyn.RingDuration)
	assert.Equal(t, 3600, dyn.RegistrationExpires)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SIP_PORT", "5080")
	t.Setenv("RTP_PORT", "40000")
	t.Setenv("JITTER_BUFFER_DELAY_MS", "250")
	t.Setenv("RING_DURATION_MS", "500")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.env"), quietLogger())
	require.NoError(t, err)

	assert.Equal(t, 5080, cfg.SIPPort)
	assert.Equal(t, 40000, cfg.RTPPort)
	assert.Equal(t, 250*time.Millisecond, cfg.Dynamic().JitterBufferDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Dynamic().RingDuration)
}

func TestLoadFromDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SIP_HOST=192.168.7.7\nSIP_PORT=5070\n"), 0o644))

	cfg, err := Load(path, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "192.168.7.7", cfg.SIPHost)
	assert.Equal(t, 5070, cfg.SIPPort)
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name  string
		key   string
		value string
	}{
		{"sip port zero", "SIP_PORT", "0"},
		{"sip port too high", "SIP_PORT", "70000"},
		{"rtp port negative", "RTP_PORT", "-1"},
		{"rtp range zero", "RTP_PORT_RANGE", "0"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load(filepath.Join(t.TempDir(), "absent.env"), quietLogger())
			assert.Error(t, err)
		})
	}
}

func TestBadValuesFallBack(t *testing.T) {
	t.Setenv("JITTER_BUFFER_SIZE", "not-a-number")
	t.Setenv("RING_DURATION_MS", "-5")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.env"), quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Dynamic().JitterBufferSize)
	assert.Equal(t, 2*time.Second, cfg.Dynamic().RingDuration)
}

func TestWatchReloadsDynamics(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("RING_DURATION_MS=2000\n"), 0o644))

	cfg, err := Load(path, quietLogger())
	require.NoError(t, err)

	changed := make(chan Dynamic, 1)
	stop, err := cfg.Watch(path, quietLogger(), func(d Dynamic) {
		select {
		case changed <- d:
		default:
		}
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("RING_DURATION_MS=750\n"), 0o644))

	select {
	case d := <-changed:
		assert.Equal(t, 750*time.Millisecond, d.RingDuration)
		assert.Equal(t, 750*time.Millisecond, cfg.Dynamic().RingDuration)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}
