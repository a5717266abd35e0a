package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"voip-agent/pkg/config"
	"voip-agent/pkg/media"
	"voip-agent/pkg/metrics"
	"voip-agent/pkg/sip"
)

func main() {
	logger := logrus.New()

	envPath := os.Getenv("VOIP_ENV_FILE")
	cfg, err := config.Load(envPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.LogLevel).Warn("Unknown log level, staying on info")
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	metrics.Init(cfg.MetricsAddr, logger)

	dyn := cfg.Dynamic()
	transport := sip.NewUDPTransport(cfg.SIPHost, cfg.SIPPort, logger)
	ports := media.NewPortAllocator(cfg.RTPPort, cfg.RTPPortRange)

	agent := sip.NewUserAgent(sip.AgentConfig{
		Host:                cfg.SIPHost,
		Port:                cfg.SIPPort,
		RingDuration:        dyn.RingDuration,
		RegistrationExpires: dyn.RegistrationExpires,
		JitterBufferSize:    dyn.JitterBufferSize,
		JitterBufferDelay:   dyn.JitterBufferDelay,
	}, transport, ports, logger)

	if err := agent.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start user agent")
	}
	logger.WithFields(logrus.Fields{
		"sip_addr":  cfg.SIPHost,
		"sip_port":  cfg.SIPPort,
		"rtp_base":  cfg.RTPPort,
		"rtp_range": cfg.RTPPortRange,
	}).Info("VoIP agent running")

	stopWatch, err := cfg.Watch(envPath, logger, func(d config.Dynamic) {
		agent.UpdateDynamics(d.RingDuration, d.RegistrationExpires, d.JitterBufferSize, d.JitterBufferDelay)
	})
	if err != nil {
		logger.WithError(err).Debug("Config watcher not started")
	} else {
		defer stopWatch()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("Shutting down")

	agent.Stop()
}
