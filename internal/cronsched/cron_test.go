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
	"testing"
	"time"
)

func mustParse(t *testing.T, expr string) *CronExpr {
	t.Helper()
	c, err := ParseCron(expr)
	if err != nil {
		t.Fatalf("ParseCron(%q): %v", expr, err)
	}
	return c
}

func TestParseCronAliases(t *testing.T) {
	for _, alias := range []string{"@hourly", "@daily", "@midnight", "@weekly", "@monthly", "@yearly", "@annually"} {
		if _, err := ParseCron(alias); err != nil {
			t.Errorf("ParseCron(%q) = %v, want no error", alias, err)
		}
	}
}

func TestParseCronRejectsMalformed(t *testing.T) {
	cases := []string{"", "* * *", "60 * * * *", "* 24 * * *", "* * 32 * *", "* * * 13 *", "* * * * 7"}
	for _, expr := range cases {
		if _, err := ParseCron(expr); err == nil {
			t.Errorf("ParseCron(%q) = nil error, want error", expr)
		}
	}
}

func TestNextEveryHour(t *testing.T) {
	c := mustParse(t, "0 * * * *")
	from := time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)
	got := c.Next(from, time.Time{})
	want := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next() = %v, want %v", got, want)
	}
}

func TestNextWeekdaysAt9AM(t *testing.T) {
	c := mustParse(t, "0 9 * * 1-5")
	// 2026-01-03 is a Saturday.
	from := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
	got := c.Next(from, time.Time{})
	want := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC) // Monday
	if !got.Equal(want) {
		t.Errorf("Next() = %v, want %v", got, want)
	}
}

func TestNextHonorsFloor(t *testing.T) {
	c := mustParse(t, "0 * * * *") // every hour on the hour
	from := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	floor := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	got := c.Next(from, floor)
	if got.Before(floor) {
		t.Errorf("Next() = %v, want on or after floor %v", got, floor)
	}
	want := time.Date(2026, 6, 1, 1, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next() = %v, want %v", got, want)
	}
}

func TestNextStepExpression(t *testing.T) {
	c := mustParse(t, "*/15 * * * *")
	from := time.Date(2026, 1, 1, 10, 16, 0, 0, time.UTC)
	got := c.Next(from, time.Time{})
	want := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next() = %v, want %v", got, want)
	}
}
