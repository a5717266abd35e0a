package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	enabled   bool
	enabledMu sync.RWMutex
)

// IsMetricsEnabled reports whether metric recording is active. All Record*
// helpers are no-ops until Init has been called.
func IsMetricsEnabled() bool {
	enabledMu.RLock()
	defer enabledMu.RUnlock()
	return enabled
}

var (
	SIPMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voip_sip_messages_received_total",
		Help: "Inbound SIP messages by method or status class",
	}, []string{"kind"})

	SIPMessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voip_sip_messages_sent_total",
		Help: "Outbound SIP messages by method or status class",
	}, []string{"kind"})

	SIPParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voip_sip_parse_failures_total",
		Help: "Inbound SIP datagrams dropped as malformed",
	})

	TransactionTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voip_sip_transaction_timeouts_total",
		Help: "Transactions terminated by timer B/F or the retransmit bound",
	})

	TransactionRetransmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voip_sip_transaction_retransmits_total",
		Help: "Request and response retransmissions driven by transaction timers",
	})

	CallsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voip_calls_received_total",
		Help: "INVITE requests received",
	})

	CallsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voip_calls_completed_total",
		Help: "Established calls that terminated normally",
	})

	CallsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voip_calls_failed_total",
		Help: "Calls that terminated without reaching the established state",
	})

	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voip_calls_active",
		Help: "Calls currently in the active set",
	})

	RegisteredUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voip_registered_users",
		Help: "Entries in the registrar user table",
	})

	RTPPacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voip_rtp_packets_received_total",
		Help: "RTP packets accepted by active sessions",
	})

	RTPPacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voip_rtp_packets_dropped_total",
		Help: "RTP packets dropped before playout",
	}, []string{"reason"})

	RTPBytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voip_rtp_bytes_received_total",
		Help: "RTP payload bytes accepted by active sessions",
	})

	RTPJitter = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voip_rtp_jitter_ms",
		Help: "Smoothed interarrival jitter per session",
	}, []string{"ssrc"})

	TransportSendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voip_transport_send_errors_total",
		Help: "Datagram send failures reported by the transport",
	})

	RTPPortsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voip_rtp_ports_in_use",
		Help: "RTP ports currently allocated to sessions",
	})
)

// Init enables metric recording and, when addr is non-empty, serves the
// prometheus endpoint on addr in a background goroutine.
func Init(addr string, logger *logrus.Logger) {
	enabledMu.Lock()
	enabled = true
	enabledMu.Unlock()

	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		logger.WithField("addr", addr).Info("Serving prometheus metrics")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.WithError(err).Error("Metrics endpoint terminated")
		}
	}()
}

// RecordSIPReceived counts an inbound message under its method or status class.
func RecordSIPReceived(kind string) {
	if IsMetricsEnabled() {
		SIPMessagesReceived.WithLabelValues(kind).Inc()
	}
}

// RecordSIPSent counts an outbound message under its method or status class.
func RecordSIPSent(kind string) {
	if IsMetricsEnabled() {
		SIPMessagesSent.WithLabelValues(kind).Inc()
	}
}

// RecordRTPDropped counts a dropped RTP packet with the drop reason.
func RecordRTPDropped(reason string) {
	if IsMetricsEnabled() {
		RTPPacketsDropped.WithLabelValues(reason).Inc()
	}
}
