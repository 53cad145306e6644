package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AgentsRegistered tracks the number of live agents known to a network
	AgentsRegistered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netfabric_agents_registered",
			Help: "Number of agents currently registered with the network",
		},
		[]string{"network"},
	)

	// ContainersActive tracks the number of container records per kind
	ContainersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netfabric_containers_active",
			Help: "Number of container records held by the network, by kind",
		},
		[]string{"network", "kind"},
	)

	// ContainerEventsTotal counts container lifecycle transitions flushed to subscribers
	ContainerEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netfabric_container_events_total",
			Help: "Container lifecycle transitions delivered to subscribers",
		},
		[]string{"network", "transition"},
	)

	// ContainerPingFailures counts failed container liveness probes
	ContainerPingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netfabric_container_ping_failures_total",
			Help: "Failed container liveness probes",
		},
		[]string{"network", "kind"},
	)

	// ClientsConnected tracks clients subscribed to a network
	ClientsConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netfabric_clients_connected",
			Help: "Number of network clients currently connected",
		},
		[]string{"network"},
	)

	// ContainerRequestsTotal counts container requests handled by an agent
	ContainerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netfabric_container_requests_total",
			Help: "Container requests handled by agents",
		},
		[]string{"agent", "kind", "operation", "status"},
	)

	// ContainerRequestDuration tracks the duration of container requests in seconds
	ContainerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netfabric_container_request_duration",
			Help:    "Duration of container requests in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
		[]string{"agent", "kind", "operation", "status"},
	)

	// MeasureDuration tracks the duration of named measurement scopes in seconds
	MeasureDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netfabric_measure_duration",
			Help:    "Duration of measured scopes in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
		[]string{"scope", "status"},
	)

	// BroadcastsDropped counts push payloads dropped because a client queue was full
	BroadcastsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netfabric_broadcasts_dropped_total",
			Help: "Broadcast payloads dropped for slow clients",
		},
		[]string{"source"},
	)

	// WorkspaceSessions tracks registered sessions per workspace container
	WorkspaceSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netfabric_workspace_sessions",
			Help: "Number of sessions registered with a workspace container",
		},
		[]string{"workspace"},
	)

	// TickDuration tracks how long one tick's handlers took, in seconds
	TickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netfabric_tick_duration",
			Help:    "Time spent running one tick's handlers in seconds",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
		},
		[]string{"manager"},
	)

	// TickHandlerFailures counts tick handlers that returned an error or panicked
	TickHandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netfabric_tick_handler_failures_total",
			Help: "Tick handlers that returned an error or panicked",
		},
		[]string{"manager"},
	)
)

// SetAgentsRegistered sets the live agent count for a network
func SetAgentsRegistered(network string, count int) {
	AgentsRegistered.WithLabelValues(network).Set(float64(count))
}

// SetContainersActive sets the number of container records of a kind
func SetContainersActive(network, kind string, count int) {
	ContainersActive.WithLabelValues(network, kind).Set(float64(count))
}

// RecordContainerEvents adds n transitions of the given type ("added", "updated", "deleted")
func RecordContainerEvents(network, transition string, n int) {
	if n <= 0 {
		return
	}
	ContainerEventsTotal.WithLabelValues(network, transition).Add(float64(n))
}

// RecordContainerPingFailure increments the failed probe counter for a kind
func RecordContainerPingFailure(network, kind string) {
	ContainerPingFailures.WithLabelValues(network, kind).Inc()
}

// SetClientsConnected sets the connected client count for a network
func SetClientsConnected(network string, count int) {
	ClientsConnected.WithLabelValues(network).Set(float64(count))
}

// RecordContainerRequest records one container request and its duration
func RecordContainerRequest(agent, kind, operation, status string, durationSeconds float64) {
	ContainerRequestsTotal.WithLabelValues(agent, kind, operation, status).Inc()
	ContainerRequestDuration.WithLabelValues(agent, kind, operation, status).Observe(durationSeconds)
}

// RecordMeasure observes the duration of a measured scope
func RecordMeasure(scope, status string, durationSeconds float64) {
	MeasureDuration.WithLabelValues(scope, status).Observe(durationSeconds)
}

// RecordBroadcastDropped increments the dropped broadcast counter
func RecordBroadcastDropped(source string) {
	BroadcastsDropped.WithLabelValues(source).Inc()
}

// SetWorkspaceSessions sets the session count of a workspace container
func SetWorkspaceSessions(workspace string, count int) {
	WorkspaceSessions.WithLabelValues(workspace).Set(float64(count))
}

// DeleteWorkspaceSessions drops the series of a terminated workspace
func DeleteWorkspaceSessions(workspace string) {
	WorkspaceSessions.DeleteLabelValues(workspace)
}

// RecordTickDuration observes how long a tick took
func RecordTickDuration(manager string, durationSeconds float64) {
	TickDuration.WithLabelValues(manager).Observe(durationSeconds)
}

// RecordTickHandlerFailure increments the failed handler counter
func RecordTickHandlerFailure(manager string) {
	TickHandlerFailures.WithLabelValues(manager).Inc()
}
