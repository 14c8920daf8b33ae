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
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// PollItem is one read the poller repeats every interval.
type PollItem struct {
	Tag      string
	SlaveID  uint16
	Function uint8 // 0x01 to 0x04
	Address  uint16
	Quantity uint16
}

// PollResult carries the values read for one PollItem.
type PollResult struct {
	Tag       string
	Bits      []bool   // coils and discrete inputs
	Registers []uint16 // holding and input registers
	Time      time.Time
}

// OnDataFunc is a callback type for pushing poll results
type OnDataFunc func(PollResult)

// OnErrorFunc is a callback type for error reporting
type OnErrorFunc func(tag string, err error)

// ModbusDevicePoller is responsible for polling a device at a specified interval.
type ModbusDevicePoller struct {
	client   ModbusApi
	interval time.Duration
	mu       sync.Mutex // protects groups and started
	groups   []PollGroup
	started  bool
	onData   atomic.Value // Stores OnDataFunc callback
	onError  atomic.Value // Stores OnErrorFunc callback
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewModbusDevicePoller creates a new ModbusDevicePoller with the given interval.
func NewModbusDevicePoller(client ModbusApi, interval time.Duration) *ModbusDevicePoller {
	return &ModbusDevicePoller{
		client:   client,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Load validates and replaces the polled items. Contiguous items of the
// same slave and function are read together.
func (dp *ModbusDevicePoller) Load(items []PollItem) error {
	tags := make(map[string]bool, len(items))
	for _, it := range items {
		if tags[it.Tag] {
			return fmt.Errorf("%w: duplicate tag: %s", ErrInvalidArgument, it.Tag)
		}
		tags[it.Tag] = true
		switch it.Function {
		case FuncCodeReadCoils, FuncCodeReadDiscreteInputs, FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		default:
			return fmt.Errorf("%w: tag %s: function %02X cannot be polled", ErrInvalidArgument, it.Tag, it.Function)
		}
		limit := MaxReadRegisters
		if it.Function == FuncCodeReadCoils || it.Function == FuncCodeReadDiscreteInputs {
			limit = MaxReadBits
		}
		if err := checkQuantity(it.Tag, int(it.Quantity), limit); err != nil {
			return err
		}
	}
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.groups = GroupPollItemsWithLogicalContinuity(items)
	return nil
}

// SetOnData sets the callback for data events
func (dp *ModbusDevicePoller) SetOnData(fn OnDataFunc) {
	dp.onData.Store(fn)
}

// SetOnError sets the callback for error events
func (dp *ModbusDevicePoller) SetOnError(fn OnErrorFunc) {
	dp.onError.Store(fn)
}

// PollOnce reads every item once and dispatches the callbacks. Groups are
// read concurrently over TCP, where the transport interleaves them, and
// one after another on serial lines.
func (dp *ModbusDevicePoller) PollOnce() {
	dp.mu.Lock()
	groups := dp.groups
	dp.mu.Unlock()

	if dp.client.GetMode() != "TCP" {
		for _, g := range groups {
			dp.pollGroup(g)
		}
		return
	}
	var wg sync.WaitGroup
	for _, g := range groups {
		wg.Add(1)
		go func(g PollGroup) {
			defer wg.Done()
			dp.pollGroup(g)
		}(g)
	}
	wg.Wait()
}

func (dp *ModbusDevicePoller) pollGroup(g PollGroup) {
	results, err := readGroup(dp.client, g)
	if err != nil {
		if cb, ok := dp.onError.Load().(OnErrorFunc); ok && cb != nil {
			for _, it := range g.Items {
				cb(it.Tag, err)
			}
		}
		return
	}
	now := time.Now()
	if cb, ok := dp.onData.Load().(OnDataFunc); ok && cb != nil {
		for _, r := range results {
			r.Time = now
			cb(r)
		}
	}
}

// Start initiates the polling process. Only the first call starts the
// loop; a stopped poller cannot be restarted.
func (dp *ModbusDevicePoller) Start() {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if dp.started {
		return
	}
	dp.started = true
	select {
	case <-dp.stopCh:
		return
	default:
	}
	dp.wg.Add(1)
	go dp.poll()
}

// poll is a private method that runs the polling loop.
func (dp *ModbusDevicePoller) poll() {
	defer dp.wg.Done()
	ticker := time.NewTicker(dp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-dp.stopCh:
			return
		case <-ticker.C:
			dp.PollOnce()
		}
	}
}

// Stop stops the polling process and waits for the current round to finish.
func (dp *ModbusDevicePoller) Stop() {
	dp.mu.Lock()
	dp.stopOnce.Do(func() {
		close(dp.stopCh)
	})
	dp.mu.Unlock()
	dp.wg.Wait()
}
