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
	"slices"
)

// PollGroup is one read covering several PollItems whose address ranges
// follow each other without a gap.
type PollGroup struct {
	SlaveID  uint16
	Function uint8
	Address  uint16
	Quantity uint16
	Items    []PollItem
}

// GroupPollItemsWithLogicalContinuity groups items by slave ID and function
// code, then merges items whose ranges are contiguous as long as the merged
// read stays within the protocol limit. Groups are ordered by slave ID,
// function code and address.
func GroupPollItemsWithLogicalContinuity(items []PollItem) []PollGroup {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b PollItem) int {
		if a.SlaveID != b.SlaveID {
			return int(a.SlaveID) - int(b.SlaveID)
		}
		if a.Function != b.Function {
			return int(a.Function) - int(b.Function)
		}
		return int(a.Address) - int(b.Address)
	})

	var groups []PollGroup
	for _, it := range sorted {
		if n := len(groups); n > 0 && canAddToGroup(&groups[n-1], it) {
			g := &groups[n-1]
			g.Quantity += it.Quantity
			g.Items = append(g.Items, it)
			continue
		}
		groups = append(groups, PollGroup{
			SlaveID:  it.SlaveID,
			Function: it.Function,
			Address:  it.Address,
			Quantity: it.Quantity,
			Items:    []PollItem{it},
		})
	}
	return groups
}

// canAddToGroup checks if it continues g and the merged read would not
// exceed the per request limit of its function code.
func canAddToGroup(g *PollGroup, it PollItem) bool {
	if g.SlaveID != it.SlaveID || g.Function != it.Function {
		return false
	}
	if int(g.Address)+int(g.Quantity) != int(it.Address) {
		return false
	}
	limit := MaxReadRegisters
	if it.Function == FuncCodeReadCoils || it.Function == FuncCodeReadDiscreteInputs {
		limit = MaxReadBits
	}
	return int(g.Quantity)+int(it.Quantity) <= limit
}

// readGroup runs the group's single read and splits the values back into
// one PollResult per item.
func readGroup(client ModbusApi, g PollGroup) ([]PollResult, error) {
	var bits []bool
	var registers []uint16
	var err error
	switch g.Function {
	case FuncCodeReadCoils:
		bits, err = client.ReadCoils(g.SlaveID, g.Address, g.Quantity)
	case FuncCodeReadDiscreteInputs:
		bits, err = client.ReadDiscreteInputs(g.SlaveID, g.Address, g.Quantity)
	case FuncCodeReadHoldingRegisters:
		registers, err = client.ReadHoldingRegisters(g.SlaveID, g.Address, g.Quantity)
	case FuncCodeReadInputRegisters:
		registers, err = client.ReadInputRegisters(g.SlaveID, g.Address, g.Quantity)
	default:
		return nil, fmt.Errorf("%w: unsupported Modbus function code: %d", ErrInvalidArgument, g.Function)
	}
	if err != nil {
		return nil, err
	}
	if len(bits)+len(registers) < int(g.Quantity) {
		return nil, fmt.Errorf("%w: group at %d returned fewer than %d values", ErrValidation, g.Address, g.Quantity)
	}

	results := make([]PollResult, 0, len(g.Items))
	for _, it := range g.Items {
		lo := int(it.Address - g.Address)
		hi := lo + int(it.Quantity)
		r := PollResult{Tag: it.Tag}
		if bits != nil {
			r.Bits = bits[lo:hi]
		} else {
			r.Registers = registers[lo:hi]
		}
		results = append(results, r)
	}
	return results, nil
}
