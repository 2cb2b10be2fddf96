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

// Package policy declares the caller-injected decision interface the job
// service consults for parameter validation, destruction/duration
// clamping, and dispatch. The engine treats implementations as
// untrusted: it never infers intent, it only uses the values they
// return.
package policy

import (
	"context"
	"encoding/json"
	"time"

	"cutout/pkg/uwsjob"
)

// Policy is the narrow four-method hook supplied by the embedding
// application. Implementations must not hold locks and must be safe
// under concurrent invocation.
type Policy interface {
	// ValidateParams rejects parameter shapes that are semantically
	// inadmissible beyond what the wire schema already checks.
	ValidateParams(ctx context.Context, params json.RawMessage) error

	// ValidateDestruction clamps or approves a requested destruction
	// time. Returning job.DestructionTime means "unchanged".
	ValidateDestruction(ctx context.Context, requested time.Time, job uwsjob.Job) (time.Time, error)

	// ValidateExecutionDuration clamps or approves a requested
	// execution duration. Returning job.ExecutionDuration means
	// "unchanged".
	ValidateExecutionDuration(ctx context.Context, requested *time.Duration, job uwsjob.Job) (*time.Duration, error)

	// Dispatch submits job to the work queue and returns the opaque
	// message id the queue assigned.
	Dispatch(ctx context.Context, job uwsjob.Job) (messageID string, err error)
}
