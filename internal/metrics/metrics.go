package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// Connects: попытки подключения по итогу: ok | signing_error | transport_error.
	Connects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kalshi",
		Subsystem: "connection",
		Name:      "connects_total",
		Help:      "Connection attempts by outcome",
	}, []string{"status"})

	// Disconnects: закрытия по виду: client_stopped | remote_close | transport_error | signing_error.
	Disconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kalshi",
		Subsystem: "connection",
		Name:      "disconnects_total",
		Help:      "Connection closes by kind",
	}, []string{"kind"})

	// SigningErrors: ошибки построения заголовков handshake.
	SigningErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kalshi",
		Subsystem: "auth",
		Name:      "signing_errors_total",
		Help:      "Handshake header signing failures",
	})

	// UsageErrors: вызовы send/subscribe/connect в неподходящем состоянии.
	UsageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kalshi",
		Subsystem: "connection",
		Name:      "usage_errors_total",
		Help:      "Calls rejected because of connection state",
	}, []string{"op"})

	// Messages: входящие сообщения по типу после разбора.
	Messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kalshi",
		Subsystem: "session",
		Name:      "messages_total",
		Help:      "Inbound messages by dispatched type",
	}, []string{"type"})

	// ParseErrors: кадры, которые не удалось разобрать.
	ParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kalshi",
		Subsystem: "session",
		Name:      "parse_errors_total",
		Help:      "Inbound frames that failed to parse",
	})

	// SubscribeRequests: отправленные команды subscribe.
	SubscribeRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kalshi",
		Subsystem: "session",
		Name:      "subscribe_requests_total",
		Help:      "Subscribe commands by outcome",
	}, []string{"status"})

	// DispatchLatency: время обработки одного кадра обработчиками.
	DispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kalshi",
		Subsystem: "session",
		Name:      "dispatch_latency_seconds",
		Help:      "Time spent in handlers per inbound frame (seconds)",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
	})

	// RelayPublishes: публикации событий в Kafka: ok | error.
	RelayPublishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kalshi",
		Subsystem: "relay",
		Name:      "publishes_total",
		Help:      "Events relayed to Kafka by outcome",
	}, []string{"status"})
)

// Register регистрирует все метрики в заданном реестре.
// Можно вызвать без аргументов, чтобы зарегистрировать в DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			Connects,
			Disconnects,
			SigningErrors,
			UsageErrors,
			Messages,
			ParseErrors,
			SubscribeRequests,
			DispatchLatency,
			RelayPublishes,
		)
	})
}
