package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds every tunable of the agent. Static fields are read once at
// startup; the Dynamic subset may be replaced at runtime by the watcher.
type Config struct {
	// SIP
	SIPHost string // local IP advertised in Via/Contact/SDP
	SIPPort int    // local SIP listen port

	// RTP
	RTPPort      int // base RTP port
	RTPPortRange int // span of random RTP ports from base

	// Logging / metrics
	LogLevel    string
	LogFormat   string // "text" or "json"
	MetricsAddr string // empty disables the endpoint

	mu      sync.RWMutex
	dynamic Dynamic
}

// Dynamic is the subset of options that may change while the agent runs.
type Dynamic struct {
	JitterBufferSize    int           // packet capacity
	JitterBufferDelay   time.Duration // target playout delay
	MaxJitterBufferDelay time.Duration // hard ceiling, kept for operators
	RingDuration        time.Duration // auto-answer delay for incoming INVITEs
	RegistrationExpires int           // default Expires in seconds
}

// Defaults per the product requirements.
func defaultDynamic() Dynamic {
	return Dynamic{
		JitterBufferSize:     50,
		JitterBufferDelay:    100 * time.Millisecond,
		MaxJitterBufferDelay: 500 * time.Millisecond,
		RingDuration:         2 * time.Second,
		RegistrationExpires:  3600,
	}
}

// Load reads the optional .env file at path (empty means ./.env) and builds
// the configuration from the environment.
func Load(path string, logger *logrus.Logger) (*Config, error) {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		logger.WithField("path", path).Debug("No .env file found, using environment only")
	}

	cfg := &Config{
		SIPHost:      getEnv("SIP_HOST", "127.0.0.1"),
		SIPPort:      getEnvInt("SIP_PORT", 5060),
		RTPPort:      getEnvInt("RTP_PORT", 10000),
		RTPPortRange: getEnvInt("RTP_PORT_RANGE", 100),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "text"),
		MetricsAddr:  getEnv("METRICS_ADDR", ""),
		dynamic:      dynamicFromEnv(),
	}

	if cfg.SIPPort <= 0 || cfg.SIPPort > 65535 {
		return nil, fmt.Errorf("invalid SIP_PORT %d", cfg.SIPPort)
	}
	if cfg.RTPPort <= 0 || cfg.RTPPort > 65535 {
		return nil, fmt.Errorf("invalid RTP_PORT %d", cfg.RTPPort)
	}
	if cfg.RTPPortRange <= 0 {
		return nil, fmt.Errorf("invalid RTP_PORT_RANGE %d", cfg.RTPPortRange)
	}

	return cfg, nil
}

func dynamicFromEnv() Dynamic {
	d := defaultDynamic()
	d.JitterBufferSize = getEnvInt("JITTER_BUFFER_SIZE", d.JitterBufferSize)
	d.JitterBufferDelay = getEnvDurationMs("JITTER_BUFFER_DELAY_MS", d.JitterBufferDelay)
	d.MaxJitterBufferDelay = getEnvDurationMs("MAX_JITTER_BUFFER_DELAY_MS", d.MaxJitterBufferDelay)
	d.RingDuration = getEnvDurationMs("RING_DURATION_MS", d.RingDuration)
	d.RegistrationExpires = getEnvInt("REGISTRATION_EXPIRES", d.RegistrationExpires)
	return d
}

// Dynamic returns a copy of the current dynamic settings.
func (c *Config) Dynamic() Dynamic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dynamic
}

func (c *Config) setDynamic(d Dynamic) {
	c.mu.Lock()
	c.dynamic = d
	c.mu.Unlock()
}

// Watch re-reads the .env file whenever it changes and swaps in the dynamic
// settings, invoking onChange (if non-nil) with the new values. Static
// settings require a restart. The watcher stops when the returned closer is
// called.
func (c *Config) Watch(path string, logger *logrus.Logger, onChange func(Dynamic)) (func() error, error) {
	if path == "" {
		path = ".env"
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := godotenv.Overload(path); err != nil {
					logger.WithError(err).Warn("Failed to reload config file")
					continue
				}
				d := dynamicFromEnv()
				c.setDynamic(d)
				logger.WithField("path", path).Info("Reloaded dynamic configuration")
				if onChange != nil {
					onChange(d)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("Config watcher error")
			}
		}
	}()

	return watcher.Close, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDurationMs(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
