package prom

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	xhttp "github.com/sikaswift/payment-gateway/pkg/http"
	"github.com/sikaswift/payment-gateway/pkg/logger"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemPayments = "payment"
	SystemWebhooks = "webhook"
)

const (
	MetricPaymentsInitiated          = "initiated_total"
	MetricPaymentsCompletionDuration = "completion_duration_seconds"
	MetricRefunds                    = "refunds_total"
	MetricWebhooksRejected           = "rejected_total"
)

const (
	TypeCounter      = "counter"
	TypeCounterVec   = "counterVec"
	TypeHistogram    = "histogram"
	TypeHistogramVec = "histogramVec"
)

var lockCreateMetricLock = &sync.Mutex{}
var namespace = "none"

var MetricSystemEnabled = false

var MetricCollectionCounters = make(map[string]prometheus.Counter)
var MetricCollectionCounterVec = make(map[string]*prometheus.CounterVec)
var MetricCollectionHistogram = make(map[string]prometheus.Histogram)
var MetricCollectionHistogramVec = make(map[string]*prometheus.HistogramVec)

var defaultLabels prometheus.Labels

func Create(host string, env string, nameSpace string) error {
	defaultLabels = make(prometheus.Labels)
	defaultLabels["env"] = env
	defaultLabels["instance"] = host
	namespace = nameSpace
	MetricSystemEnabled = true

	var err error
	hasError := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	hasError(createCounterVec(SystemPayments, MetricPaymentsInitiated, []string{"result"}))
	hasError(createHistogramVec(SystemPayments, MetricPaymentsCompletionDuration, []string{"currency"}))
	hasError(createCounterVec(SystemPayments, MetricRefunds, []string{"outcome"}))
	hasError(createCounter(SystemWebhooks, MetricWebhooksRejected))

	return err
}

func IncPaymentInitiated(result string) {
	if !MetricSystemEnabled {
		return
	}
	if c, ok := MetricCollectionCounterVec[SystemPayments+MetricPaymentsInitiated]; ok {
		c.WithLabelValues(result).Inc()
	}
}

func ObservePaymentCompletionDuration(seconds float64, currency string) {
	if !MetricSystemEnabled {
		return
	}
	if h, ok := MetricCollectionHistogramVec[SystemPayments+MetricPaymentsCompletionDuration]; ok {
		h.WithLabelValues(currency).Observe(seconds)
	}
}

func IncRefund(outcome string) {
	if !MetricSystemEnabled {
		return
	}
	if c, ok := MetricCollectionCounterVec[SystemPayments+MetricRefunds]; ok {
		c.WithLabelValues(outcome).Inc()
	}
}

func IncWebhookRejected() {
	if !MetricSystemEnabled {
		return
	}
	if c, ok := MetricCollectionCounters[SystemWebhooks+MetricWebhooksRejected]; ok {
		c.Inc()
	}
}

func CreateMetric(metricType, metricSubsystem, metricName string, labelsValues ...string) error {
	switch metricType {
	case TypeCounter:
		return createCounter(metricSubsystem, metricName)
	case TypeCounterVec:
		return createCounterVec(metricSubsystem, metricName, labelsValues)
	case TypeHistogram:
		return createHistogram(metricSubsystem, metricName)
	case TypeHistogramVec:
		return createHistogramVec(metricSubsystem, metricName, labelsValues)
	}
	return fmt.Errorf("metric type %s is not defined", metricType)
}

func ListenAndServer(port string, url string) {
	hh := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	s := xhttp.CreateServer()
	s.GET(url, hh)
	logger.Info("[metrics-server] listening...", "url", url)
	if err := s.ListenAndServe(port); err != nil {
		logger.Panic("[metrics-server] http listen error", "error", err)
	}
}

func createCounter(subsystem, name string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionCounters[subsystem+name] = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
	})
	return prometheus.Register(MetricCollectionCounters[subsystem+name])
}

func createCounterVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionCounterVec[subsystem+name] = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(MetricCollectionCounterVec[subsystem+name])
}

func createHistogram(subsystem, name string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionHistogram[subsystem+name] = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
	})
	return prometheus.Register(MetricCollectionHistogram[subsystem+name])
}

func createHistogramVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionHistogramVec[subsystem+name] = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(MetricCollectionHistogramVec[subsystem+name])
}
