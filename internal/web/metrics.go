package web

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	webPrometheusMetrics sync.Once

	webRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulsetree",
			Subsystem: "web",
			Name:      "requests_total",
			Help:      "Number of HTTP requests served, by route template and status code.",
		},
		[]string{"route", "code"})
	webSubscribeTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pulsetree",
			Subsystem: "web",
			Name:      "subscribe_timeouts_total",
			Help:      "Number of subscribe requests answered with no messages after the bounded wait.",
		})
	webSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pulsetree",
			Subsystem: "web",
			Name:      "socket_clients",
			Help:      "Number of connected WebSocket change feed clients.",
		})
)

func registerMetrics() {
	webPrometheusMetrics.Do(func() {
		prometheus.MustRegister(webRequests)
		prometheus.MustRegister(webSubscribeTimeouts)
		prometheus.MustRegister(webSocketClients)
	})
}
