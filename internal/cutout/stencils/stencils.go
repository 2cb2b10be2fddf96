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

// Package stencils models the cutout region shapes accepted by the
// image-cutout collaborator: a tagged union of circle, polygon, and
// range stencils over ICRS coordinates.
package stencils

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Point is a location in the sky.
type Point struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

// Range is an inclusive [Min, Max] interval.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Kind discriminates the Stencil tagged union.
type Kind string

const (
	KindCircle  Kind = "circle"
	KindPolygon Kind = "polygon"
	KindRange   Kind = "range"
)

// Stencil is one cutout region, one of Circle, Polygon, or Range.
type Stencil struct {
	Type Kind `json:"type"`

	// Circle fields.
	Center *Point   `json:"center,omitempty"`
	Radius *float64 `json:"radius,omitempty"`

	// Polygon fields. Winding must be counter-clockwise when viewed
	// from the origin towards the sky.
	Vertices []Point `json:"vertices,omitempty"`

	// Range fields.
	RA  *Range `json:"ra,omitempty"`
	Dec *Range `json:"dec,omitempty"`
}

// Validate enforces the shape invariants for whichever variant Type
// selects: a Circle needs a center and radius, a Polygon needs at least
// three vertices, a Range needs both ra and dec intervals.
func (s Stencil) Validate() error {
	switch s.Type {
	case KindCircle:
		if s.Center == nil || s.Radius == nil {
			return errors.New("stencils: circle requires center and radius")
		}
		return nil
	case KindPolygon:
		if len(s.Vertices) < 3 {
			return errors.New("stencils: polygon must have at least three vertices")
		}
		return nil
	case KindRange:
		if s.RA == nil || s.Dec == nil {
			return errors.New("stencils: range requires ra and dec")
		}
		return nil
	default:
		return fmt.Errorf("stencils: unknown stencil type %q", s.Type)
	}
}

// UnmarshalJSON decodes a stencil, validating it against its Type's
// shape as it decodes (matching the source's pydantic validators, which
// run at parse time rather than on first use).
func (s *Stencil) UnmarshalJSON(data []byte) error {
	type alias Stencil
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = Stencil(a)
	return s.Validate()
}
