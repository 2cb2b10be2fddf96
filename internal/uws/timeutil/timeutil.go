// Cutout is a UWS-conformant asynchronous job service.
// Copyright (C) 2025 The Cutout Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package timeutil formats and parses the UWS ISO-8601 wire timestamp:
// whole-second UTC with a mandatory trailing Z, matching the IVOA UWS 1.1
// wire representation.
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

const layout = "2006-01-02T15:04:05Z"

// ISODateTime formats t as the UWS wire timestamp. t must be UTC; a
// non-UTC time is an invariant violation and panics, matching the
// source's assertion that callers never hand it local time.
func ISODateTime(t time.Time) string {
	if t.Location() != time.UTC {
		panic("timeutil: ISODateTime requires a UTC time")
	}
	return t.Format(layout)
}

// ParseISODateTime parses the UWS wire timestamp. The trailing Z is
// mandatory; any other suffix (or a numeric offset) is rejected.
func ParseISODateTime(s string) (time.Time, error) {
	if !strings.HasSuffix(s, "Z") {
		return time.Time{}, fmt.Errorf("timeutil: %q missing trailing Z", s)
	}
	if len(s) != len(layout) {
		return time.Time{}, fmt.Errorf("timeutil: %q is not a whole-second timestamp", s)
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timeutil: parse %q: %w", s, err)
	}
	return t.UTC(), nil
}
