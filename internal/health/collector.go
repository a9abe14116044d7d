/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package health watches the host and the supervised renderer services.
package health

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is one host health reading.
type Snapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	TemperatureC  *float64  `json:"temperature_c,omitempty"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector reads host metrics.
type Collector struct {
	logger zerolog.Logger
}

// NewCollector creates a host metrics collector.
func NewCollector(logger zerolog.Logger) *Collector {
	return &Collector{logger: logger.With().Str("component", "health").Logger()}
}

// Collect takes a snapshot. Individual readings that fail are zeroed, not
// fatal.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	snap := Snapshot{CollectedAt: time.Now()}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	} else if err != nil {
		c.logger.Debug().Err(err).Msg("cpu reading failed")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryPercent = vm.UsedPercent
	} else {
		c.logger.Debug().Err(err).Msg("memory reading failed")
	}

	snap.TemperatureC = c.temperature(ctx)
	return snap
}

// temperature prefers host sensors and falls back to the first thermal
// zone, which is usually the SoC sensor on the kiosk boards we deploy to.
func (c *Collector) temperature(ctx context.Context) *float64 {
	if sensors, err := host.SensorsTemperaturesWithContext(ctx); err == nil {
		var fallback *float64
		for i := range sensors {
			s := sensors[i]
			if s.Temperature <= 0 {
				continue
			}
			key := strings.ToLower(s.SensorKey)
			if strings.Contains(key, "cpu") || strings.Contains(key, "coretemp") || strings.Contains(key, "soc") {
				t := s.Temperature
				return &t
			}
			if fallback == nil {
				t := s.Temperature
				fallback = &t
			}
		}
		if fallback != nil {
			return fallback
		}
	}
	return readThermalZone("/sys/class/thermal/thermal_zone0/temp")
}

func readThermalZone(path string) *float64 {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil
	}
	t := float64(milli) / 1000.0
	return &t
}
