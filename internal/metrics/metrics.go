// Package metrics provides Prometheus metrics for the vfshub server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfshub_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vfshub_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	listingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfshub_listings_total",
			Help: "Directory listings fetched from VFS sources",
		},
		[]string{"status"},
	)

	listingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vfshub_listing_duration_seconds",
			Help:    "Time to fetch one directory listing",
			Buckets: prometheus.DefBuckets,
		},
	)

	refreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfshub_refreshes_total",
			Help: "Directory refresh operations by outcome",
		},
		[]string{"status"},
	)

	refreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vfshub_refresh_duration_seconds",
			Help:    "Time from refresh start to the reloaded listing",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	refreshesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfshub_refreshes_in_flight",
			Help: "Refresh operations currently running",
		},
	)

	treeNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vfshub_tree_nodes",
			Help: "Nodes held in memory per client tree",
		},
		[]string{"client"},
	)

	activeStores = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfshub_active_stores",
			Help: "Client tree stores currently open",
		},
	)

	wsConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfshub_websocket_connections",
			Help: "Open WebSocket event feeds",
		},
	)
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordListing records one directory listing fetch.
func RecordListing(d time.Duration, err error) {
	listingsTotal.WithLabelValues(status(err)).Inc()
	listingDuration.Observe(d.Seconds())
}

// RefreshStarted marks a refresh as in flight.
func RefreshStarted() {
	refreshesInFlight.Inc()
}

// RefreshFinished records the outcome of a refresh started with RefreshStarted.
func RefreshFinished(d time.Duration, err error) {
	refreshesInFlight.Dec()
	refreshesTotal.WithLabelValues(status(err)).Inc()
	refreshDuration.Observe(d.Seconds())
}

// SetTreeNodes sets the node count of a client tree.
func SetTreeNodes(clientID string, n int) {
	treeNodes.WithLabelValues(clientID).Set(float64(n))
}

// StoreOpened tracks a new client store.
func StoreOpened() {
	activeStores.Inc()
}

// StoreClosed tracks a torn-down client store.
func StoreClosed(clientID string) {
	activeStores.Dec()
	treeNodes.DeleteLabelValues(clientID)
}

// WSConnected tracks an open event feed; call the returned func on close.
func WSConnected() func() {
	wsConnections.Inc()
	return wsConnections.Dec
}

// Middleware records request counts and latency per route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
