package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_relay_http_requests_total",
			Help: "Total number of HTTP requests processed by the relay.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_relay_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_relay_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_relay_ws_events_total",
			Help: "Total number of websocket lifecycle events.",
		},
		[]string{"event"},
	)
	relayEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_relay_events_total",
			Help: "Inbound relay events by event name and outcome.",
		},
		[]string{"event", "outcome"},
	)
	relayFanoutSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_relay_fanout_connections",
			Help:    "Number of connections a relayed event was delivered to.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		},
		[]string{"scope"},
	)
	presenceBroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_relay_presence_broadcasts_total",
			Help: "Total number of presence snapshots pushed.",
		},
	)
	onlineIdentities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_relay_online_identities",
			Help: "Number of identities with at least one open connection.",
		},
	)
	slowConsumersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_relay_slow_consumers_total",
			Help: "Connections dropped because their send queue was full.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_relay_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	mirrorErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_relay_presence_mirror_errors_total",
			Help: "Presence mirror failures by operation.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		relayEventsTotal,
		relayFanoutSize,
		presenceBroadcastsTotal,
		onlineIdentities,
		slowConsumersTotal,
		amqpPublishErrorsTotal,
		mirrorErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

// IncRelayEvent counts an inbound event by its final outcome
// ("delivered", "invalid", "unauthorized", "persist_failed", ...).
func IncRelayEvent(event, outcome string) {
	relayEventsTotal.WithLabelValues(event, outcome).Inc()
}

func ObserveFanout(scope string, delivered int) {
	relayFanoutSize.WithLabelValues(scope).Observe(float64(delivered))
}

func IncPresenceBroadcast() {
	presenceBroadcastsTotal.Inc()
}

func SetOnlineIdentities(n int) {
	onlineIdentities.Set(float64(n))
}

func IncSlowConsumer() {
	slowConsumersTotal.Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func IncMirrorError(op string) {
	mirrorErrorsTotal.WithLabelValues(op).Inc()
}
