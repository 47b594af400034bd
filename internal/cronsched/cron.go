// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cronsched

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cdktr-io/cdktr/internal/util"
)

// CronExpr is a parsed 5-field cron expression (minute hour
// day-of-month month day-of-week).
type CronExpr struct {
	minute     []int // 0-59
	hour       []int // 0-23
	dayOfMonth []int // 1-31
	month      []int // 1-12
	dayOfWeek  []int // 0-6 (0 = Sunday)
}

// ParseCron parses a standard 5-field cron expression, plus the
// @hourly/@daily/@weekly/@monthly/@yearly aliases.
func ParseCron(expr string) (*CronExpr, error) {
	switch strings.ToLower(strings.TrimSpace(expr)) {
	case "@hourly":
		expr = "0 * * * *"
	case "@daily", "@midnight":
		expr = "0 0 * * *"
	case "@weekly":
		expr = "0 0 * * 0"
	case "@monthly":
		expr = "0 0 1 * *"
	case "@yearly", "@annually":
		expr = "0 0 1 1 *"
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	c := &CronExpr{}
	var err error

	if c.minute, err = parseField(fields[0], 0, 59); err != nil {
		return nil, fmt.Errorf("cron: invalid minute field: %w", err)
	}
	if c.hour, err = parseField(fields[1], 0, 23); err != nil {
		return nil, fmt.Errorf("cron: invalid hour field: %w", err)
	}
	if c.dayOfMonth, err = parseField(fields[2], 1, 31); err != nil {
		return nil, fmt.Errorf("cron: invalid day-of-month field: %w", err)
	}
	if c.month, err = parseField(fields[3], 1, 12); err != nil {
		return nil, fmt.Errorf("cron: invalid month field: %w", err)
	}
	if c.dayOfWeek, err = parseField(fields[4], 0, 6); err != nil {
		return nil, fmt.Errorf("cron: invalid day-of-week field: %w", err)
	}
	return c, nil
}

func parseField(field string, min, max int) ([]int, error) {
	if field == "*" {
		result := make([]int, max-min+1)
		for i := range result {
			result[i] = min + i
		}
		return result, nil
	}

	var result []int
	for _, part := range strings.Split(field, ",") {
		values, err := parseFieldPart(part, min, max)
		if err != nil {
			return nil, err
		}
		result = append(result, values...)
	}
	return unique(result), nil
}

func parseFieldPart(part string, min, max int) ([]int, error) {
	step := 1
	if idx := strings.Index(part, "/"); idx != -1 {
		stepStr := part[idx+1:]
		var err error
		step, err = strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step: %s", stepStr)
		}
		part = part[:idx]
	}

	var start, end int
	switch {
	case part == "*":
		start, end = min, max
	case strings.Contains(part, "-"):
		idx := strings.Index(part, "-")
		var err error
		start, err = strconv.Atoi(part[:idx])
		if err != nil {
			return nil, fmt.Errorf("invalid range start: %s", part[:idx])
		}
		end, err = strconv.Atoi(part[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid range end: %s", part[idx+1:])
		}
	default:
		var err error
		start, err = strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid value: %s", part)
		}
		end = start
	}

	if start < min || start > max || end < min || end > max || start > end {
		return nil, fmt.Errorf("value out of range [%d-%d]: %s", min, max, part)
	}

	var result []int
	for i := start; i <= end; i += step {
		result = append(result, i)
	}
	return result, nil
}

// Next returns the first time matching the expression strictly after
// from, never searching before floor. Callers pass
// max(start_time_utc, now) as floor, per spec.md §4.9.
func (c *CronExpr) Next(from, floor time.Time) time.Time {
	base := from
	if floor.After(base) {
		base = floor
	}

	t := base.Truncate(time.Minute).Add(time.Minute)
	maxTime := base.Add(4 * 365 * 24 * time.Hour)

	for t.Before(maxTime) {
		if !util.Contains(c.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !(util.Contains(c.dayOfMonth, t.Day()) && util.Contains(c.dayOfWeek, int(t.Weekday()))) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !util.Contains(c.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if !util.Contains(c.minute, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

func unique(slice []int) []int {
	seen := make(map[int]bool, len(slice))
	result := make([]int, 0, len(slice))
	for _, v := range slice {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}
