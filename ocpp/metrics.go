package ocpp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "csms_active_sessions",
		Help: "The number of currently connected charge points",
	})

	metricConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "csms_connections_total",
		Help: "The total number of accepted charge point connections",
	})

	metricMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csms_messages_received_total",
		Help: "The total number of OCPP-J messages received",
	}, []string{"type"})

	metricMalformedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "csms_malformed_messages_total",
		Help: "The total number of inbound messages that failed envelope decoding",
	})

	metricCallErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csms_call_errors_total",
		Help: "The total number of CallError replies sent",
	}, []string{"code"})

	metricCommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csms_commands_sent_total",
		Help: "The total number of outbound commands sent to charge points",
	}, []string{"action"})

	metricCommandTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "csms_command_timeouts_total",
		Help: "The total number of outbound commands that timed out",
	})
)
