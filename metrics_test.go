package modbus

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := &scriptedFramer{steps: []readStep{
		failedRead(ErrTimeout),
		registersFrame(1, 1),
		exceptionFrame(1, FuncCodeReadHoldingRegisters, ExceptionCodeSlaveDeviceBusy),
		exceptionFrame(1, FuncCodeReadHoldingRegisters, ExceptionCodeAcknowledge),
		registersFrame(1, 2),
		exceptionFrame(1, FuncCodeReadHoldingRegisters, ExceptionCodeIllegalFunction),
		registersFrame(2, 1),
	}}
	tr, _ := newScriptedTransport(t, f, WithMetrics(reg))

	_, err := tr.Execute(holdingRequest(t, 1, 1))
	require.NoError(t, err)
	_, err = tr.Execute(holdingRequest(t, 1, 1))
	require.NoError(t, err)
	_, err = tr.Execute(holdingRequest(t, 1, 1))
	require.Error(t, err)
	_, err = tr.Execute(holdingRequest(t, 1, 1))
	require.ErrorIs(t, err, ErrValidation)

	m := tr.metrics
	assert.Equal(t, 2.0, testutil.ToFloat64(m.transactions.WithLabelValues(resultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transactions.WithLabelValues(resultException)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transactions.WithLabelValues(resultValidation)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues(retryTransient)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues(retryBusy)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues(retryAcknowledge)))

	n, err := testutil.GatherAndCount(reg, "modbus_transactions_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestTransportMetrics_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, _ := newScriptedTransport(t, &scriptedFramer{steps: []readStep{registersFrame(1, 1)}}, WithMetrics(reg))
	b, _ := newScriptedTransport(t, &scriptedFramer{steps: []readStep{registersFrame(1, 1)}}, WithMetrics(reg))

	_, err := a.Execute(holdingRequest(t, 1, 1))
	require.NoError(t, err)
	_, err = b.Execute(holdingRequest(t, 1, 1))
	require.NoError(t, err)

	assert.Same(t, a.metrics.transactions, b.metrics.transactions)
	assert.Equal(t, 2.0, testutil.ToFloat64(a.metrics.transactions.WithLabelValues(resultSuccess)))
}

func TestTransportMetrics_RegistrationConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "modbus_transactions_total",
		Help: "Something else.",
	}))

	_, err := NewTransport(&scriptedFramer{}, WithMetrics(reg))
	assert.Error(t, err)
}

func TestResultOf(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want string
	}{
		{nil, resultSuccess},
		{&ExceptionError{ExceptionCode: ExceptionCodeIllegalFunction}, resultException},
		{mismatch("slave id", 1, 2), resultValidation},
		{fmt.Errorf("wrapped: %w", ErrTimeout), resultTransient},
		{ErrClosed, resultError},
	} {
		assert.Equal(t, tc.want, resultOf(tc.err), "%v", tc.err)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *transportMetrics
	assert.NotPanics(t, func() {
		m.transaction(resultSuccess)
		m.retry(retryBusy)
	})
}
