// Copyright 2024 The Tektite Authors
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

package common

import (
	"github.com/cube-js/cube-sub010/errors"
	log "github.com/cube-js/cube-sub010/logger"
	"github.com/google/uuid"
)

// LogInternalError logs err under a random reference and returns an InternalError that only carries the reference,
// so callers outside the process do not see implementation details. CubeErrors are returned unchanged.
func LogInternalError(err error) errors.CubeError {
	var cerr errors.CubeError
	if errors.As(err, &cerr) {
		return cerr
	}
	id, err2 := uuid.NewRandom()
	var errRef string
	if err2 != nil {
		log.Errorf("failed to generate uuid %v", err2)
		errRef = ""
	} else {
		errRef = id.String()
	}
	perr := errors.NewInternalError(errRef)
	log.Errorf("internal error (reference %s) occurred %+v", errRef, err)
	return perr
}
