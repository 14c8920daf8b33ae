package modbus

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readStep struct {
	frame Frame
	err   error
}

// scriptedFramer replays a fixed sequence of read results and records
// every write and read.
type scriptedFramer struct {
	mu          sync.Mutex
	steps       []readStep
	writeErrs   []error
	requests    []readStep
	events      []string
	writes      int
	reads       int
	closes      int
	validate    func(req Request, resp Response) error
	shouldRetry func(req Request, resp Response, threshold uint16) bool
}

func (f *scriptedFramer) Mode() string { return "SCRIPTED" }

func (f *scriptedFramer) BuildFrame(msg Message) ([]byte, error) {
	return msg.MarshalPDU(), nil
}

func (f *scriptedFramer) WriteFrame(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.events = append(f.events, "write")
	if len(f.writeErrs) > 0 {
		err := f.writeErrs[0]
		f.writeErrs = f.writeErrs[1:]
		return err
	}
	return nil
}

func (f *scriptedFramer) ReadResponse() (Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	f.events = append(f.events, "read")
	if len(f.steps) == 0 {
		return Frame{}, fmt.Errorf("%w: script exhausted", ErrTimeout)
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	return step.frame, step.err
}

func (f *scriptedFramer) ReadRequest() (Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return Frame{}, io.EOF
	}
	step := f.requests[0]
	f.requests = f.requests[1:]
	return step.frame, step.err
}

func (f *scriptedFramer) ValidateResponse(req Request, resp Response) error {
	if f.validate != nil {
		return f.validate(req, resp)
	}
	return nil
}

func (f *scriptedFramer) ShouldRetryResponse(req Request, resp Response, threshold uint16) bool {
	if f.shouldRetry != nil {
		return f.shouldRetry(req, resp, threshold)
	}
	return false
}

func (f *scriptedFramer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *scriptedFramer) counts() (writes, reads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes, f.reads
}

func registersFrame(slaveID uint8, values ...uint16) readStep {
	resp := NewReadRegistersResponse(slaveID, FuncCodeReadHoldingRegisters, values...)
	return readStep{frame: Frame{SlaveID: slaveID, PDU: resp.MarshalPDU()}}
}

func exceptionFrame(slaveID, function uint8, code ExceptionCode) readStep {
	resp := NewExceptionResponse(slaveID, function, code)
	return readStep{frame: Frame{SlaveID: slaveID, PDU: resp.MarshalPDU()}}
}

func failedRead(err error) readStep {
	return readStep{err: err}
}

// newScriptedTransport returns a transport whose sleeps are recorded
// instead of slept.
func newScriptedTransport(t *testing.T, f *scriptedFramer, opts ...Option) (*Transport, *[]time.Duration) {
	t.Helper()
	tr, err := NewTransport(f, opts...)
	require.NoError(t, err)
	var sleeps []time.Duration
	tr.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	return tr, &sleeps
}

func holdingRequest(t *testing.T, slaveID uint8, quantity uint16) *ReadRegistersRequest {
	t.Helper()
	req, err := NewReadHoldingRegistersRequest(slaveID, 0, quantity)
	require.NoError(t, err)
	return req
}

func TestTransportDefaults(t *testing.T) {
	tr, err := NewTransport(&scriptedFramer{})
	require.NoError(t, err)
	assert.Equal(t, DefaultRetries, tr.Retries())
	assert.Equal(t, DefaultWaitToRetryMilliseconds, tr.WaitToRetryMilliseconds())
	assert.False(t, tr.SlaveBusyUsesRetryCount())
	assert.Zero(t, tr.RetryOnOldResponseThreshold())
	assert.Equal(t, "SCRIPTED", tr.GetMode())
}

func TestTransportRejectsNegativeSettings(t *testing.T) {
	tr, err := NewTransport(&scriptedFramer{}, WithWaitToRetry(100))
	require.NoError(t, err)

	err = tr.SetWaitToRetryMilliseconds(-1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 100, tr.WaitToRetryMilliseconds())

	err = tr.SetRetries(-1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, DefaultRetries, tr.Retries())

	_, err = NewTransport(&scriptedFramer{}, WithWaitToRetry(-5))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewTransport(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTransportTransientRetry(t *testing.T) {
	transient := []error{
		fmt.Errorf("%w: no reply", ErrTimeout),
		&IOError{Op: "read", Err: errors.New("line noise")},
		fmt.Errorf("%w: CRC mismatch", ErrMalformedFrame),
		fmt.Errorf("%w: func 0x41", ErrUnimplemented),
	}
	for retries := 0; retries <= 3; retries++ {
		for k := 0; k <= retries+1; k++ {
			t.Run(fmt.Sprintf("retries=%d/failures=%d", retries, k), func(t *testing.T) {
				f := &scriptedFramer{}
				for i := 0; i < k; i++ {
					f.steps = append(f.steps, failedRead(transient[i%len(transient)]))
				}
				f.steps = append(f.steps, registersFrame(1, 42))
				tr, sleeps := newScriptedTransport(t, f, WithRetries(retries))

				resp, err := tr.Execute(holdingRequest(t, 1, 1))
				writes, _ := f.counts()
				if k <= retries {
					require.NoError(t, err)
					assert.Equal(t, []uint16{42}, resp.(*ReadRegistersResponse).Registers)
					assert.Equal(t, k+1, writes)
				} else {
					require.Error(t, err)
					assert.True(t, IsTransient(err))
					assert.Equal(t, retries+1, writes)
				}
				assert.Empty(t, *sleeps, "transient retries must not wait")
			})
		}
	}
}

func TestTransportTransientWriteErrorIsRetried(t *testing.T) {
	f := &scriptedFramer{
		writeErrs: []error{&IOError{Op: "write", Err: io.ErrClosedPipe}},
		steps:     []readStep{registersFrame(1, 7)},
	}
	tr, _ := newScriptedTransport(t, f)

	resp, err := Exchange[ReadRegistersResponse](tr, holdingRequest(t, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, []uint16{7}, resp.Registers)
	writes, reads := f.counts()
	assert.Equal(t, 2, writes)
	assert.Equal(t, 1, reads)
}

func TestTransportAcknowledgeRereads(t *testing.T) {
	f := &scriptedFramer{steps: []readStep{
		exceptionFrame(1, FuncCodeReadHoldingRegisters, ExceptionCodeAcknowledge),
		registersFrame(1, 99),
	}}
	tr, err := NewTransport(f, WithWaitToRetry(40))
	require.NoError(t, err)
	var sleeps []time.Duration
	var lockedDuringSleep []bool
	tr.sleep = func(d time.Duration) {
		sleeps = append(sleeps, d)
		locked := !tr.mu.TryLock()
		if !locked {
			tr.mu.Unlock()
		}
		lockedDuringSleep = append(lockedDuringSleep, locked)
	}

	resp, err := Exchange[ReadRegistersResponse](tr, holdingRequest(t, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, []uint16{99}, resp.Registers)

	writes, reads := f.counts()
	assert.Equal(t, 1, writes, "acknowledge must not resubmit")
	assert.Equal(t, 2, reads)
	assert.Equal(t, []time.Duration{40 * time.Millisecond}, sleeps)
	assert.Equal(t, []bool{true}, lockedDuringSleep, "acknowledge wait happens inside the transaction")
	assert.Equal(t, uint64(1), tr.Stats().AckRereads)
}

func TestTransportSlaveBusyResubmits(t *testing.T) {
	f := &scriptedFramer{steps: []readStep{
		exceptionFrame(1, FuncCodeReadHoldingRegisters, ExceptionCodeSlaveDeviceBusy),
		registersFrame(1, 5),
	}}
	tr, err := NewTransport(f, WithWaitToRetry(25))
	require.NoError(t, err)
	var sleeps []time.Duration
	var lockedDuringSleep []bool
	var eventsAtSleep []string
	tr.sleep = func(d time.Duration) {
		sleeps = append(sleeps, d)
		locked := !tr.mu.TryLock()
		if !locked {
			tr.mu.Unlock()
		}
		lockedDuringSleep = append(lockedDuringSleep, locked)
		f.mu.Lock()
		eventsAtSleep = append([]string(nil), f.events...)
		f.mu.Unlock()
	}

	resp, err := Exchange[ReadRegistersResponse](tr, holdingRequest(t, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, []uint16{5}, resp.Registers)

	writes, _ := f.counts()
	assert.Equal(t, 2, writes)
	assert.Equal(t, []time.Duration{25 * time.Millisecond}, sleeps)
	assert.Equal(t, []string{"write", "read"}, eventsAtSleep, "the wait falls between the two writes")
	assert.Equal(t, []bool{false}, lockedDuringSleep, "busy wait happens outside the transaction")
	assert.Equal(t, []string{"write", "read", "write", "read"}, f.events)
}

func TestTransportSlaveBusyIsNotBoundedByRetries(t *testing.T) {
	f := &scriptedFramer{}
	for i := 0; i < 10; i++ {
		f.steps = append(f.steps, exceptionFrame(1, FuncCodeReadHoldingRegisters, ExceptionCodeSlaveDeviceBusy))
	}
	f.steps = append(f.steps, registersFrame(1, 1))
	tr, sleeps := newScriptedTransport(t, f, WithRetries(1))

	_, err := tr.Execute(holdingRequest(t, 1, 1))
	require.NoError(t, err)
	writes, _ := f.counts()
	assert.Equal(t, 11, writes)
	assert.Len(t, *sleeps, 10)
	assert.Equal(t, uint64(10), tr.Stats().BusyRetries)
}

func TestTransportSlaveBusyUsesRetryCount(t *testing.T) {
	f := &scriptedFramer{}
	for i := 0; i < 5; i++ {
		f.steps = append(f.steps, exceptionFrame(1, FuncCodeReadHoldingRegisters, ExceptionCodeSlaveDeviceBusy))
	}
	tr, sleeps := newScriptedTransport(t, f, WithRetries(2), WithSlaveBusyUsesRetryCount(true))

	_, err := tr.Execute(holdingRequest(t, 1, 1))
	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, ExceptionCodeSlaveDeviceBusy, exc.ExceptionCode)
	writes, _ := f.counts()
	assert.Equal(t, 3, writes)
	assert.Len(t, *sleeps, 2)
}

func TestTransportBusyWaitLetsOtherCallersIn(t *testing.T) {
	f := &scriptedFramer{steps: []readStep{
		exceptionFrame(1, FuncCodeReadHoldingRegisters, ExceptionCodeSlaveDeviceBusy),
		registersFrame(2, 222), // answer to the interleaved transaction
		registersFrame(1, 111),
	}}
	tr, err := NewTransport(f)
	require.NoError(t, err)

	secondReq := holdingRequest(t, 2, 1)
	var second *ReadRegistersResponse
	var secondErr error
	tr.sleep = func(time.Duration) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			second, secondErr = Exchange[ReadRegistersResponse](tr, secondReq)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("interleaved transaction blocked during busy wait")
		}
	}

	first, err := Exchange[ReadRegistersResponse](tr, holdingRequest(t, 1, 1))
	require.NoError(t, err)
	require.NoError(t, secondErr)
	assert.Equal(t, []uint16{111}, first.Registers)
	assert.Equal(t, []uint16{222}, second.Registers)
}

func TestTransportOtherExceptionIsTerminal(t *testing.T) {
	f := &scriptedFramer{steps: []readStep{
		exceptionFrame(1, FuncCodeReadHoldingRegisters, ExceptionCodeIllegalDataAddress),
		registersFrame(1, 1),
	}}
	tr, sleeps := newScriptedTransport(t, f)

	_, err := tr.Execute(holdingRequest(t, 1, 1))
	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, ExceptionCodeIllegalDataAddress, exc.ExceptionCode)
	assert.Equal(t, uint8(FuncCodeReadHoldingRegisters), exc.FunctionCode)
	assert.Equal(t, uint8(1), exc.SlaveID)
	assert.Contains(t, err.Error(), "Illegal data address")
	writes, _ := f.counts()
	assert.Equal(t, 1, writes)
	assert.Empty(t, *sleeps)
}

func TestTransportFunctionCodeMismatch(t *testing.T) {
	f := &scriptedFramer{steps: []readStep{
		{frame: Frame{SlaveID: 1, PDU: []byte{FuncCodeReadInputRegisters, 0x02, 0x00, 0x01}}},
		registersFrame(1, 1),
	}}
	tr, _ := newScriptedTransport(t, f)

	_, err := tr.Execute(holdingRequest(t, 1, 1))
	require.ErrorIs(t, err, ErrValidation)
	var mm *MismatchError
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, "function code", mm.Field)
	assert.Equal(t, uint(FuncCodeReadHoldingRegisters), mm.Expected)
	assert.Equal(t, uint(FuncCodeReadInputRegisters), mm.Actual)
	assert.Contains(t, err.Error(), "3")
	assert.Contains(t, err.Error(), "4")
	writes, _ := f.counts()
	assert.Equal(t, 1, writes, "validation failures are not retried")
}

func TestTransportSlaveAddressMismatch(t *testing.T) {
	f := &scriptedFramer{steps: []readStep{registersFrame(9, 1), registersFrame(1, 1)}}
	tr, _ := newScriptedTransport(t, f)

	_, err := tr.Execute(holdingRequest(t, 1, 1))
	var mm *MismatchError
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, "slave address", mm.Field)
	assert.Equal(t, uint(1), mm.Expected)
	assert.Equal(t, uint(9), mm.Actual)
	assert.Contains(t, err.Error(), "expected 1, received 9")
	writes, _ := f.counts()
	assert.Equal(t, 1, writes)
}

func TestTransportRequestValidatorIsTerminal(t *testing.T) {
	f := &scriptedFramer{steps: []readStep{registersFrame(1, 1), registersFrame(1, 1, 2)}}
	tr, _ := newScriptedTransport(t, f)

	_, err := tr.Execute(holdingRequest(t, 1, 2))
	var mm *MismatchError
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, "register count", mm.Field)
	writes, _ := f.counts()
	assert.Equal(t, 1, writes)
}

func TestTransportFramerValidationIsTerminal(t *testing.T) {
	boom := fmt.Errorf("%w: checksum-derived check", ErrValidation)
	var seen []Response
	f := &scriptedFramer{
		steps: []readStep{registersFrame(1, 1), registersFrame(1, 1)},
		validate: func(req Request, resp Response) error {
			seen = append(seen, resp)
			return boom
		},
	}
	tr, _ := newScriptedTransport(t, f)

	_, err := tr.Execute(holdingRequest(t, 1, 1))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, seen, 1)
	writes, _ := f.counts()
	assert.Equal(t, 1, writes)
}

func TestTransportUnexpectedErrorIsNotRetried(t *testing.T) {
	boom := errors.New("boom")
	f := &scriptedFramer{writeErrs: []error{boom}, steps: []readStep{registersFrame(1, 1)}}
	tr, _ := newScriptedTransport(t, f)

	_, err := tr.Execute(holdingRequest(t, 1, 1))
	assert.ErrorIs(t, err, boom)
	writes, reads := f.counts()
	assert.Equal(t, 1, writes)
	assert.Zero(t, reads)
}

func TestTransportDiscardsOldResponses(t *testing.T) {
	stale := registersFrame(1, 13)
	stale.frame.TransactionID = 4
	fresh := registersFrame(1, 14)
	fresh.frame.TransactionID = 5

	shouldRetry := func(req Request, resp Response, threshold uint16) bool {
		return resp.TransactionID() < 5 && 5-resp.TransactionID() < threshold
	}

	t.Run("enabled", func(t *testing.T) {
		f := &scriptedFramer{steps: []readStep{stale, fresh}, shouldRetry: shouldRetry}
		tr, _ := newScriptedTransport(t, f, WithRetryOnOldResponseThreshold(3))

		resp, err := Exchange[ReadRegistersResponse](tr, holdingRequest(t, 1, 1))
		require.NoError(t, err)
		assert.Equal(t, []uint16{14}, resp.Registers)
		writes, reads := f.counts()
		assert.Equal(t, 1, writes)
		assert.Equal(t, 2, reads)
	})

	t.Run("disabled", func(t *testing.T) {
		f := &scriptedFramer{steps: []readStep{stale, fresh}, shouldRetry: shouldRetry}
		tr, _ := newScriptedTransport(t, f)

		resp, err := Exchange[ReadRegistersResponse](tr, holdingRequest(t, 1, 1))
		require.NoError(t, err)
		assert.Equal(t, []uint16{13}, resp.Registers)
	})
}

func TestTransportCloseIsIdempotent(t *testing.T) {
	f := &scriptedFramer{steps: []readStep{registersFrame(1, 1)}}
	tr, _ := newScriptedTransport(t, f)

	assert.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
	assert.Equal(t, 1, f.closes)

	_, err := tr.Execute(holdingRequest(t, 1, 1))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tr.ReadRequest()
	assert.ErrorIs(t, err, ErrClosed)
	writes, _ := f.counts()
	assert.Zero(t, writes)
}

func TestExchangeWrongResponseType(t *testing.T) {
	f := &scriptedFramer{steps: []readStep{registersFrame(1, 1)}}
	tr, _ := newScriptedTransport(t, f)

	_, err := Exchange[WriteSingleResponse](tr, holdingRequest(t, 1, 1))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestExecuteNilRequest(t *testing.T) {
	tr, _ := newScriptedTransport(t, &scriptedFramer{})
	_, err := tr.Execute(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTransportReadRequest(t *testing.T) {
	f := &scriptedFramer{requests: []readStep{
		{frame: Frame{SlaveID: 1, PDU: NewWriteSingleRegisterRequest(1, 0x0001, 0x0003).MarshalPDU()}},
	}}
	tr, _ := newScriptedTransport(t, f)

	req, err := tr.ReadRequest()
	require.NoError(t, err)
	write, ok := req.(*WriteSingleRegisterRequest)
	require.True(t, ok, "got %T", req)
	assert.Equal(t, uint8(1), write.SlaveID())
	assert.Equal(t, uint16(1), write.Address)
	assert.Equal(t, uint16(3), write.Value)
}

func TestTransportLogsRetries(t *testing.T) {
	var buf bytes.Buffer
	f := &scriptedFramer{steps: []readStep{failedRead(ErrTimeout), registersFrame(1, 1)}}
	tr, _ := newScriptedTransport(t, f)
	tr.SetLogger(&buf)

	_, err := tr.Execute(holdingRequest(t, 1, 1))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "resubmitting request")
	assert.Contains(t, buf.String(), `"mode":"SCRIPTED"`)
}

func TestTransportStats(t *testing.T) {
	f := &scriptedFramer{steps: []readStep{
		failedRead(ErrTimeout),
		registersFrame(1, 1),
		exceptionFrame(1, FuncCodeReadHoldingRegisters, ExceptionCodeIllegalFunction),
	}}
	tr, _ := newScriptedTransport(t, f)

	_, err := tr.Execute(holdingRequest(t, 1, 1))
	require.NoError(t, err)
	_, err = tr.Execute(holdingRequest(t, 1, 1))
	require.Error(t, err)

	assert.Equal(t, Stats{Transactions: 2, Failures: 1, TransientRetries: 1}, tr.Stats())
}
