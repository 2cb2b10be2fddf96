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

// Package cutout is the image-cutout collaborator: the concrete
// parameter shape, policy, and HTTP handlers built on top of the
// domain-agnostic UWS engine.
package cutout

import (
	"encoding/json"
	"errors"

	"cutout/internal/cutout/stencils"
)

// Parameters is the cutout request body: the dataset IDs to cut out of,
// and the stencils describing the region(s) to extract.
type Parameters struct {
	IDs      []string            `json:"ids"`
	Stencils []stencils.Stencil `json:"stencils"`
}

// UnmarshalJSON rejects empty IDs/Stencils lists as it decodes.
func (p *Parameters) UnmarshalJSON(data []byte) error {
	type alias Parameters
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if len(a.IDs) < 1 {
		return errors.New("cutout: ids must be non-empty")
	}
	if len(a.Stencils) < 1 {
		return errors.New("cutout: stencils must be non-empty")
	}
	*p = Parameters(a)
	return nil
}
