// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Default retry settings.
const (
	DefaultRetries                 = 3
	DefaultWaitToRetryMilliseconds = 250
	// DefaultRetryOnOldResponseThreshold applies to framers with
	// transaction ids. A TCP reply that arrives after its read timed out
	// is discarded by the next read instead of failing every later
	// transaction one frame behind.
	DefaultRetryOnOldResponseThreshold = 3
)

// transactionIDFramer is implemented by framers that number their frames.
type transactionIDFramer interface {
	Framer
	usesTransactionIDs() bool
}

// Transport drives request/response transactions over a Framer. It owns
// the framer and the byte channel beneath it.
//
// One transaction at a time holds the transport across its write and all
// of its reads, including Acknowledge waits. The wait before resubmitting
// after a Slave Device Busy exception happens with the transport
// released, so other callers may run their own transactions in between.
//
// Busy resubmissions are not counted against Retries unless
// SlaveBusyUsesRetryCount is set: a slave that stays busy keeps a caller
// blocked indefinitely. Callers needing bounded latency must enforce their
// own deadline, for example through the framer's read timeout.
type Transport struct {
	framer Framer
	mu     sync.Mutex // held for write + read loop

	retries                 atomic.Int64
	waitToRetry             atomic.Int64 // milliseconds
	slaveBusyUsesRetryCount atomic.Bool
	oldResponseThreshold    atomic.Uint32

	logger  atomic.Pointer[zerolog.Logger]
	metrics *transportMetrics
	sleep   func(time.Duration)

	closeOnce sync.Once
	closed    atomic.Bool

	stats transportStats
}

// Option configures a Transport.
type Option func(*Transport) error

// WithRetries sets the number of resubmissions allowed after transient failures.
func WithRetries(retries int) Option {
	return func(t *Transport) error {
		return t.SetRetries(retries)
	}
}

// WithWaitToRetry sets the Acknowledge and Slave Device Busy backoff in milliseconds.
func WithWaitToRetry(milliseconds int) Option {
	return func(t *Transport) error {
		return t.SetWaitToRetryMilliseconds(milliseconds)
	}
}

// WithSlaveBusyUsesRetryCount makes busy resubmissions consume the retry budget.
func WithSlaveBusyUsesRetryCount(enabled bool) Option {
	return func(t *Transport) error {
		t.SetSlaveBusyUsesRetryCount(enabled)
		return nil
	}
}

// WithRetryOnOldResponseThreshold enables discarding responses to earlier
// transactions. Zero disables it.
func WithRetryOnOldResponseThreshold(threshold uint16) Option {
	return func(t *Transport) error {
		t.SetRetryOnOldResponseThreshold(threshold)
		return nil
	}
}

// WithLogger sets a prepared zerolog logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transport) error {
		t.logger.Store(&logger)
		return nil
	}
}

// WithMetrics registers transaction counters with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(t *Transport) error {
		if reg == nil {
			return nil
		}
		m, err := newTransportMetrics(reg)
		if err != nil {
			return fmt.Errorf("modbus: register metrics: %w", err)
		}
		t.metrics = m
		return nil
	}
}

// NewTransport wraps framer in a Transport. The transport takes ownership
// of the framer and closes it on Close.
func NewTransport(framer Framer, opts ...Option) (*Transport, error) {
	if framer == nil {
		return nil, fmt.Errorf("%w: nil framer", ErrInvalidArgument)
	}
	t := &Transport{
		framer: framer,
		sleep:  time.Sleep,
	}
	t.retries.Store(DefaultRetries)
	t.waitToRetry.Store(DefaultWaitToRetryMilliseconds)
	if f, ok := framer.(transactionIDFramer); ok && f.usesTransactionIDs() {
		t.oldResponseThreshold.Store(DefaultRetryOnOldResponseThreshold)
	}
	nop := zerolog.Nop()
	t.logger.Store(&nop)
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// GetMode returns the framing mode: "RTU", "ASCII", "TCP" or "RTU_OVER_TCP".
func (t *Transport) GetMode() string {
	return t.framer.Mode()
}

// Retries returns the number of resubmissions allowed after transient failures.
func (t *Transport) Retries() int {
	return int(t.retries.Load())
}

// SetRetries sets the number of resubmissions allowed after transient failures.
func (t *Transport) SetRetries(retries int) error {
	if retries < 0 {
		return fmt.Errorf("%w: retries must be >= 0, got %d", ErrInvalidArgument, retries)
	}
	t.retries.Store(int64(retries))
	return nil
}

// WaitToRetryMilliseconds returns the Acknowledge and Slave Device Busy backoff.
func (t *Transport) WaitToRetryMilliseconds() int {
	return int(t.waitToRetry.Load())
}

// SetWaitToRetryMilliseconds sets the Acknowledge and Slave Device Busy backoff.
func (t *Transport) SetWaitToRetryMilliseconds(milliseconds int) error {
	if milliseconds < 0 {
		return fmt.Errorf("%w: wait to retry must be >= 0, got %d", ErrInvalidArgument, milliseconds)
	}
	t.waitToRetry.Store(int64(milliseconds))
	return nil
}

// SlaveBusyUsesRetryCount reports whether busy resubmissions consume the retry budget.
func (t *Transport) SlaveBusyUsesRetryCount() bool {
	return t.slaveBusyUsesRetryCount.Load()
}

// SetSlaveBusyUsesRetryCount sets whether busy resubmissions consume the retry budget.
func (t *Transport) SetSlaveBusyUsesRetryCount(enabled bool) {
	t.slaveBusyUsesRetryCount.Store(enabled)
}

// RetryOnOldResponseThreshold returns the old response threshold; zero when disabled.
func (t *Transport) RetryOnOldResponseThreshold() uint16 {
	return uint16(t.oldResponseThreshold.Load())
}

// SetRetryOnOldResponseThreshold sets how far a response's transaction id
// may trail the request's and still be discarded as a late answer to an
// earlier transaction.
func (t *Transport) SetRetryOnOldResponseThreshold(threshold uint16) {
	t.oldResponseThreshold.Store(uint32(threshold))
}

// SetLogger sends transaction logs to w. A nil writer disables logging.
func (t *Transport) SetLogger(w io.Writer) {
	logger := zerolog.Nop()
	if w != nil {
		logger = zerolog.New(w).With().Timestamp().Str("mode", t.framer.Mode()).Logger()
	}
	t.logger.Store(&logger)
}

func (t *Transport) log() *zerolog.Logger {
	return t.logger.Load()
}

func (t *Transport) wait() time.Duration {
	return time.Duration(t.waitToRetry.Load()) * time.Millisecond
}

// Execute sends req and returns its validated response.
func (t *Transport) Execute(req Request) (Response, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidArgument)
	}
	resp, err := t.execute(req)
	t.stats.record(err)
	t.metrics.transaction(resultOf(err))
	return resp, err
}

// Exchange executes req and returns the response as *T.
func Exchange[T any, PT interface {
	*T
	Response
}](t *Transport, req Request) (PT, error) {
	resp, err := t.Execute(req)
	if err != nil {
		return nil, err
	}
	typed, ok := resp.(PT)
	if !ok {
		return nil, unexpectedResponse(resp)
	}
	return typed, nil
}

func (t *Transport) execute(req Request) (Response, error) {
	attempt := 1
	for {
		resp, err := t.transact(req)
		if err == nil {
			if err = t.validateResponse(req, resp); err != nil {
				t.log().Error().Err(err).Uint8("slave", req.SlaveID()).Uint8("func", req.FunctionCode()).
					Msg("response validation failed")
				return nil, err
			}
			return resp, nil
		}

		var exc *ExceptionError
		switch {
		case errors.As(err, &exc) && exc.ExceptionCode == ExceptionCodeSlaveDeviceBusy:
			if t.slaveBusyUsesRetryCount.Load() {
				if int64(attempt) > t.retries.Load() {
					t.log().Error().Err(err).Int("attempt", attempt).Msg("slave still busy, retries exhausted")
					return nil, err
				}
				attempt++
			}
			t.log().Warn().Uint8("slave", req.SlaveID()).Dur("wait", t.wait()).
				Msg("slave device busy, resubmitting request")
			t.stats.busyRetries.Add(1)
			t.metrics.retry(retryBusy)
			t.sleep(t.wait())
		case IsTransient(err):
			if int64(attempt) > t.retries.Load() {
				t.log().Error().Err(err).Int("attempt", attempt).Msg("transaction failed, retries exhausted")
				return nil, err
			}
			t.log().Warn().Err(err).Int("attempt", attempt).Int64("retries", t.retries.Load()).
				Msg("transaction failed, resubmitting request")
			attempt++
			t.stats.transientRetries.Add(1)
			t.metrics.retry(retryTransient)
		default:
			t.log().Error().Err(err).Uint8("slave", req.SlaveID()).Uint8("func", req.FunctionCode()).
				Msg("transaction failed")
			return nil, err
		}
	}
}

// transact writes req once and reads until a definitive response arrives.
func (t *Transport) transact(req Request) (Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return nil, ErrClosed
	}
	frame, err := t.framer.BuildFrame(req)
	if err != nil {
		return nil, err
	}
	if err := t.framer.WriteFrame(frame); err != nil {
		return nil, err
	}
	return t.readResponse(req)
}

// readResponse re-reads after Acknowledge and after late responses to
// earlier transactions. Any other exception becomes an *ExceptionError.
func (t *Transport) readResponse(req Request) (Response, error) {
	for {
		frame, err := t.framer.ReadResponse()
		if err != nil {
			return nil, err
		}
		resp, err := DecodeFrame(frame, req.NewResponse())
		if err != nil {
			return nil, err
		}
		if exc, ok := resp.(*ExceptionResponse); ok {
			if exc.ExceptionCode != ExceptionCodeAcknowledge {
				return nil, exc.Err()
			}
			t.log().Debug().Uint8("slave", exc.SlaveID()).Dur("wait", t.wait()).
				Msg("slave acknowledged request, waiting for response")
			t.stats.ackRereads.Add(1)
			t.metrics.retry(retryAcknowledge)
			t.sleep(t.wait())
			continue
		}
		if t.isOldResponse(req, resp) {
			t.log().Debug().Uint16("request_tid", req.TransactionID()).Uint16("response_tid", resp.TransactionID()).
				Msg("discarding response to an earlier transaction")
			t.metrics.retry(retryOldResponse)
			continue
		}
		return resp, nil
	}
}

func (t *Transport) isOldResponse(req Request, resp Response) bool {
	threshold := t.oldResponseThreshold.Load()
	if threshold == 0 || req.FunctionCode() != resp.FunctionCode() || req.SlaveID() != resp.SlaveID() {
		return false
	}
	return t.framer.ShouldRetryResponse(req, resp, uint16(threshold))
}

// validateResponse checks resp corresponds to req. Failures are never retried.
func (t *Transport) validateResponse(req Request, resp Response) error {
	if req.FunctionCode() != resp.FunctionCode() {
		return mismatch("function code", uint(req.FunctionCode()), uint(resp.FunctionCode()))
	}
	if req.SlaveID() != resp.SlaveID() {
		return mismatch("slave address", uint(req.SlaveID()), uint(resp.SlaveID()))
	}
	if validate := req.Validator(); validate != nil {
		if err := validate(resp); err != nil {
			return err
		}
	}
	return t.framer.ValidateResponse(req, resp)
}

// ReadRequest reads and decodes one request frame, for slave side use.
func (t *Transport) ReadRequest() (Request, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return nil, ErrClosed
	}
	frame, err := t.framer.ReadRequest()
	if err != nil {
		return nil, err
	}
	return DecodeRequestFrame(frame)
}

// Close releases the framer and its byte channel. Calls after the first
// do nothing and return nil.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		// Not under mu: closing the channel unblocks a transaction stuck in a read.
		err = t.framer.Close()
	})
	return err
}

// Stats is a snapshot of transaction counters.
type Stats struct {
	Transactions     uint64
	Failures         uint64
	TransientRetries uint64
	BusyRetries      uint64
	AckRereads       uint64
}

type transportStats struct {
	transactions     atomic.Uint64
	failures         atomic.Uint64
	transientRetries atomic.Uint64
	busyRetries      atomic.Uint64
	ackRereads       atomic.Uint64
}

func (s *transportStats) record(err error) {
	s.transactions.Add(1)
	if err != nil {
		s.failures.Add(1)
	}
}

// Stats returns the transaction counters.
func (t *Transport) Stats() Stats {
	return Stats{
		Transactions:     t.stats.transactions.Load(),
		Failures:         t.stats.failures.Load(),
		TransientRetries: t.stats.transientRetries.Load(),
		BusyRetries:      t.stats.busyRetries.Load(),
		AckRereads:       t.stats.ackRereads.Load(),
	}
}
