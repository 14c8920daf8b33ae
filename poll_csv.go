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
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// CSVPollItemParser reads PollItems from CSV. The header row names the
// columns; columns it does not know, such as uuid or alias, are ignored.
//
//	tag,slaverId,function,readAddress,readQuantity
//	temp,1,3,1000,2
type CSVPollItemParser struct{}

// NewCSVPollItemParser creates a new CSV poll item parser
func NewCSVPollItemParser() *CSVPollItemParser {
	return &CSVPollItemParser{}
}

// ParseCSVFromString parses CSV text.
func (p *CSVPollItemParser) ParseCSVFromString(data string) ([]PollItem, error) {
	return p.ParseCSV(strings.NewReader(data))
}

// ParseCSV parses CSV data and returns a slice of PollItem
func (p *CSVPollItemParser) ParseCSV(reader io.Reader) ([]PollItem, error) {
	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true

	records, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read CSV: %v", ErrInvalidArgument, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty CSV file", ErrInvalidArgument)
	}

	headerMap := make(map[string]int)
	for i, h := range records[0] {
		headerMap[strings.TrimSpace(h)] = i
	}
	for _, field := range []string{"tag", "slaverId", "function", "readAddress"} {
		if _, exists := headerMap[field]; !exists {
			return nil, fmt.Errorf("%w: missing required field in CSV header: %s", ErrInvalidArgument, field)
		}
	}

	items := make([]PollItem, 0, len(records)-1)
	tags := make(map[string]int)
	for i, record := range records[1:] {
		row := i + 2
		item, err := p.parseRecord(record, headerMap)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrInvalidArgument, row, err)
		}
		if first, dup := tags[item.Tag]; dup {
			return nil, fmt.Errorf("%w: row %d: tag %s already used in row %d", ErrInvalidArgument, row, item.Tag, first)
		}
		tags[item.Tag] = row
		items = append(items, item)
	}
	return items, nil
}

func (p *CSVPollItemParser) parseRecord(record []string, headerMap map[string]int) (PollItem, error) {
	getField := func(name string) string {
		if idx, exists := headerMap[name]; exists && idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}
	parseUint := func(name string, bitSize int) (uint64, error) {
		s := getField(name)
		if s == "" {
			return 0, fmt.Errorf("'%s' is required", name)
		}
		v, err := strconv.ParseUint(s, 0, bitSize)
		if err != nil {
			return 0, fmt.Errorf("invalid '%s': %w", name, err)
		}
		return v, nil
	}

	item := PollItem{Tag: getField("tag")}
	if item.Tag == "" {
		return item, fmt.Errorf("'tag' is required")
	}
	slave, err := parseUint("slaverId", 8)
	if err != nil {
		return item, err
	}
	function, err := parseUint("function", 8)
	if err != nil {
		return item, err
	}
	address, err := parseUint("readAddress", 16)
	if err != nil {
		return item, err
	}
	quantity := uint64(1)
	if getField("readQuantity") != "" {
		if quantity, err = parseUint("readQuantity", 16); err != nil {
			return item, err
		}
	}
	item.SlaveID = uint16(slave)
	item.Function = uint8(function)
	item.Address = uint16(address)
	item.Quantity = uint16(quantity)

	limit := MaxReadRegisters
	switch item.Function {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		limit = MaxReadBits
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
	default:
		return item, fmt.Errorf("function %d cannot be polled", item.Function)
	}
	if err := checkQuantity(item.Tag, int(item.Quantity), limit); err != nil {
		return item, err
	}
	return item, nil
}
