package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leafscan/leaf-classification-service/classify"
	"github.com/leafscan/leaf-classification-service/models"
)

type Metrics struct {
	registry        *prometheus.Registry
	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	predictions     *prometheus.CounterVec
	failures        *prometheus.CounterVec
}

func NewMetrics(classifiers []classify.Classifier) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			}, []string{"path", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"path"},
		),
		predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaf_predictions_total",
				Help: "Predictions made, by model and predicted class",
			}, []string{"model", "class"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaf_classification_failures_total",
				Help: "Requests whose classification failed",
			}, []string{"stage"},
		),
	}

	m.registry.MustRegister(
		m.requestCount,
		m.requestDuration,
		m.predictions,
		m.failures,
		newPoolCollector(classifiers),
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservePredictions(predictions []models.Prediction) {
	for _, p := range predictions {
		m.predictions.WithLabelValues(p.Model, p.Class).Inc()
	}
}

func (m *Metrics) ObserveFailure(stage string) {
	m.failures.WithLabelValues(stage).Inc()
}

// Middleware records request counts and durations by route template.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}

		m.requestCount.WithLabelValues(path, r.Method, strconv.Itoa(lrw.statusCode)).Inc()
		m.requestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

type pooledClassifier interface {
	Name() string
	Pool() *classify.SessionPool
}

// poolCollector exports session pool counters of every pooled classifier.
type poolCollector struct {
	classifiers     []pooledClassifier
	size            *prometheus.Desc
	live            *prometheus.Desc
	inUse           *prometheus.Desc
	acquired        *prometheus.Desc
	released        *prometheus.Desc
	discarded       *prometheus.Desc
	acquireFailures *prometheus.Desc
	waitSeconds     *prometheus.Desc
}

func newPoolCollector(classifiers []classify.Classifier) *poolCollector {
	c := &poolCollector{
		size:            prometheus.NewDesc("leaf_session_pool_size", "Configured sessions per model", []string{"model"}, nil),
		live:            prometheus.NewDesc("leaf_session_pool_live", "Open sessions per model", []string{"model"}, nil),
		inUse:           prometheus.NewDesc("leaf_session_pool_in_use", "Sessions currently running inference", []string{"model"}, nil),
		acquired:        prometheus.NewDesc("leaf_session_pool_acquired_total", "Sessions handed out", []string{"model"}, nil),
		released:        prometheus.NewDesc("leaf_session_pool_released_total", "Sessions returned", []string{"model"}, nil),
		discarded:       prometheus.NewDesc("leaf_session_pool_discarded_total", "Sessions destroyed after a failure", []string{"model"}, nil),
		acquireFailures: prometheus.NewDesc("leaf_session_pool_acquire_failures_total", "Acquire attempts that timed out", []string{"model"}, nil),
		waitSeconds:     prometheus.NewDesc("leaf_session_pool_wait_seconds_total", "Time spent waiting for sessions", []string{"model"}, nil),
	}
	for _, cl := range classifiers {
		if pc, ok := cl.(pooledClassifier); ok {
			c.classifiers = append(c.classifiers, pc)
		}
	}
	return c
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.live
	ch <- c.inUse
	ch <- c.acquired
	ch <- c.released
	ch <- c.discarded
	ch <- c.acquireFailures
	ch <- c.waitSeconds
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, cl := range c.classifiers {
		name := cl.Name()
		m := cl.Pool().GetMetrics()

		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(m.Size), name)
		ch <- prometheus.MustNewConstMetric(c.live, prometheus.GaugeValue, float64(m.Live), name)
		ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(m.InUse), name)
		ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.CounterValue, float64(m.TotalAcquired), name)
		ch <- prometheus.MustNewConstMetric(c.released, prometheus.CounterValue, float64(m.TotalReleased), name)
		ch <- prometheus.MustNewConstMetric(c.discarded, prometheus.CounterValue, float64(m.TotalDiscarded), name)
		ch <- prometheus.MustNewConstMetric(c.acquireFailures, prometheus.CounterValue, float64(m.AcquireFailures), name)
		ch <- prometheus.MustNewConstMetric(c.waitSeconds, prometheus.CounterValue, m.WaitTime.Seconds(), name)
	}
}
