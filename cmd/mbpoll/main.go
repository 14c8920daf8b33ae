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

// mbpoll reads coils or registers from a Modbus slave.
package main

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	modbus "github.com/hootrhino/gomodbus/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	mode       string
	address    string
	slaveID    uint16
	startAddr  uint16
	quantity   uint16
	table      string
	interval   time.Duration
	count      int
	verbose    bool
	pointsPath string
)

var rootCmd = &cobra.Command{
	Use:   "mbpoll",
	Short: "Poll a Modbus slave",
	Long:  "Read coils, discrete inputs or registers from a Modbus RTU, ASCII or TCP slave.",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "TOML config file")
	f.StringVarP(&mode, "mode", "m", "", "rtu, ascii, tcp or rtuovertcp (overrides config)")
	f.StringVarP(&address, "address", "a", "", "serial device or host:port (overrides config)")
	f.Uint16VarP(&slaveID, "slave", "s", 1, "slave id")
	f.Uint16VarP(&startAddr, "start", "r", 0, "start address")
	f.Uint16VarP(&quantity, "quantity", "n", 1, "number of values to read")
	f.StringVarP(&table, "table", "t", "holding", "coils, inputs, holding or input-registers")
	f.DurationVarP(&interval, "interval", "i", time.Second, "delay between polls")
	f.IntVar(&count, "count", 1, "number of polls, 0 polls forever")
	f.BoolVarP(&verbose, "verbose", "v", false, "log transactions")
	f.StringVarP(&pointsPath, "points", "p", "", "CSV file of points to poll (replaces slave/start/quantity/table)")
}

func loadConfig() (modbus.Config, error) {
	cfg := modbus.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = modbus.LoadConfig(configPath); err != nil {
			return cfg, err
		}
	}
	if mode != "" {
		cfg.Mode = strings.ToLower(mode)
	}
	if address != "" {
		cfg.Address = address
	}
	return cfg, cfg.Validate()
}

func functionFor(table string) (uint8, error) {
	switch table {
	case "coils":
		return modbus.FuncCodeReadCoils, nil
	case "inputs":
		return modbus.FuncCodeReadDiscreteInputs, nil
	case "holding":
		return modbus.FuncCodeReadHoldingRegisters, nil
	case "input-registers":
		return modbus.FuncCodeReadInputRegisters, nil
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
}

// pollItems returns the points from --points, or the single point
// described by the slave, start, quantity and table flags.
func pollItems() ([]modbus.PollItem, error) {
	if pointsPath != "" {
		f, err := os.Open(pointsPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return modbus.NewCSVPollItemParser().ParseCSV(f)
	}
	function, err := functionFor(table)
	if err != nil {
		return nil, err
	}
	return []modbus.PollItem{{
		Tag:      table,
		SlaveID:  slaveID,
		Function: function,
		Address:  startAddr,
		Quantity: quantity,
	}}, nil
}

func run(cmd *cobra.Command, args []string) error {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	items, err := pollItems()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	transport, err := modbus.Dial(cfg, modbus.WithLogger(logger))
	if err != nil {
		return err
	}
	client := modbus.NewModbusHandler(transport)
	defer client.Close()

	poller := modbus.NewModbusDevicePoller(client, interval)
	if err := poller.Load(items); err != nil {
		return err
	}
	starts := make(map[string]uint16, len(items))
	for _, it := range items {
		starts[it.Tag] = it.Address
	}
	var failures atomic.Int64
	poller.SetOnData(func(r modbus.PollResult) {
		out := cmd.OutOrStdout()
		start := int(starts[r.Tag])
		for i, v := range r.Registers {
			fmt.Fprintf(out, "%s[%d]: %d\n", r.Tag, start+i, v)
		}
		for i, v := range r.Bits {
			fmt.Fprintf(out, "%s[%d]: %t\n", r.Tag, start+i, v)
		}
	})
	poller.SetOnError(func(tag string, err error) {
		failures.Add(1)
		logger.Error().Err(err).Str("tag", tag).Msg("poll failed")
	})

	logger.Info().Str("mode", cfg.Mode).Str("address", cfg.Address).Int("points", len(items)).Msg("polling")
	for i := 0; count == 0 || i < count; i++ {
		if i > 0 {
			time.Sleep(interval)
		}
		poller.PollOnce()
	}
	stats := transport.Stats()
	logger.Debug().Uint64("transactions", stats.Transactions).Uint64("failures", stats.Failures).
		Uint64("transient_retries", stats.TransientRetries).Msg("done")
	if n := failures.Load(); n > 0 {
		return fmt.Errorf("%d of %d polls failed", n, stats.Transactions)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
