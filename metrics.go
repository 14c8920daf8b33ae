package modbus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Labels of modbus_transactions_total.
const (
	resultSuccess    = "success"
	resultException  = "exception"
	resultValidation = "validation"
	resultTransient  = "transient"
	resultError      = "error"
)

// Labels of modbus_retries_total.
const (
	retryTransient   = "transient"
	retryBusy        = "busy"
	retryAcknowledge = "acknowledge"
	retryOldResponse = "old_response"
)

type transportMetrics struct {
	transactions *prometheus.CounterVec
	retries      *prometheus.CounterVec
}

func newTransportMetrics(reg prometheus.Registerer) (*transportMetrics, error) {
	m := &transportMetrics{
		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modbus",
				Name:      "transactions_total",
				Help:      "Completed Modbus transactions by result.",
			},
			[]string{"result"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modbus",
				Name:      "retries_total",
				Help:      "Modbus resubmissions and re-reads by reason.",
			},
			[]string{"reason"},
		),
	}
	var err error
	if m.transactions, err = registerCounterVec(reg, m.transactions); err != nil {
		return nil, err
	}
	if m.retries, err = registerCounterVec(reg, m.retries); err != nil {
		return nil, err
	}
	return m, nil
}

// registerCounterVec registers c, or returns the collector already
// registered under the same name so several transports can share a registry.
func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

func (m *transportMetrics) transaction(result string) {
	if m != nil {
		m.transactions.WithLabelValues(result).Inc()
	}
}

func (m *transportMetrics) retry(reason string) {
	if m != nil {
		m.retries.WithLabelValues(reason).Inc()
	}
}

// resultOf maps a transaction error onto its result label.
func resultOf(err error) string {
	var exc *ExceptionError
	switch {
	case err == nil:
		return resultSuccess
	case errors.As(err, &exc):
		return resultException
	case errors.Is(err, ErrValidation):
		return resultValidation
	case IsTransient(err):
		return resultTransient
	default:
		return resultError
	}
}
