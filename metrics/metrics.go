package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// KeyFetchesTotal counts requests made to the Access certs endpoint.
	KeyFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessimages_key_fetches_total",
			Help: "Total number of Access certs fetches by status.",
		},
		[]string{"status"},
	)

	// AccessChecksTotal counts Access authentication decisions.
	AccessChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessimages_access_checks_total",
			Help: "Total number of Access token checks by result.",
		},
		[]string{"result"},
	)

	// UploadRequestsTotal counts incoming image uploads.
	// Used with promhttp.InstrumentHandlerCounter.
	UploadRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessimages_upload_requests_total",
			Help: "Total number of image upload requests.",
		},
		[]string{"code", "method"},
	)

	// UploadRequestDuration measures image upload latency.
	// Used with promhttp.InstrumentHandlerDuration.
	UploadRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accessimages_upload_request_duration_seconds",
			Help:    "Duration of image upload requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"code", "method"},
	)

	// ServeRequestsTotal counts image downloads.
	// Used with promhttp.InstrumentHandlerCounter.
	ServeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessimages_serve_requests_total",
			Help: "Total number of image serve requests.",
		},
		[]string{"code", "method"},
	)

	// ServeRequestDuration measures image download latency.
	// Used with promhttp.InstrumentHandlerDuration.
	ServeRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accessimages_serve_request_duration_seconds",
			Help:    "Duration of image serve requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"code", "method"},
	)
)
