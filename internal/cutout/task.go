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

package cutout

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"cutout/pkg/uwsjob"
)

// taskArgs mirrors the dispatcher's wire shape for a submitted task.
type taskArgs struct {
	JobID      string          `json:"job_id"`
	Parameters json.RawMessage `json:"parameters"`
}

// CutoutTask is a stand-in backend for the reference in-process queue: it
// does not perform an actual cutout (the real computation is always an
// external worker, per the core's non-goals), it only produces a
// plausible internal-URL result so a deployment with no external work
// queue wired up still exercises the full job lifecycle end to end.
type CutoutTask struct {
	logger *slog.Logger
}

// NewCutoutTask constructs the reference task body.
func NewCutoutTask(logger *slog.Logger) *CutoutTask {
	return &CutoutTask{logger: logger}
}

// Run implements queue.TaskFunc.
func (t *CutoutTask) Run(args any) (any, error) {
	var parsed taskArgs
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("cutout: marshal task args: %w", err)
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("cutout: unmarshal task args: %w", err)
	}

	var params Parameters
	if err := json.Unmarshal(parsed.Parameters, &params); err != nil {
		return nil, fmt.Errorf("cutout: invalid parameters: %w", err)
	}

	mimeType := "application/fits"
	url := fmt.Sprintf("file:///var/cutouts/%s/cutout.fits", parsed.JobID)
	results := []uwsjob.JobResult{
		{ResultID: "cutout", URL: url, MimeType: &mimeType},
	}

	if t.logger != nil {
		t.logger.Info("cutout task completed", "job_id", parsed.JobID, "dataset_id", params.IDs[0])
	}
	return results, nil
}
