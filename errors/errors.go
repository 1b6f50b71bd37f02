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

package errors

import (
	"fmt"
)

type ErrorCode int

const (
	Timeout ErrorCode = iota + 1000
	ProcessSpawnFailure
	TransportDisconnected
	AdmissionDenied
	AdmissionQueueFull
	ResponseConsumedElsewhere
	Cancelled
	ProcessingError
	InvalidConfiguration ErrorCode = iota + 3000
	InternalError        ErrorCode = iota + 5000
)

func (e ErrorCode) String() string {
	switch e {
	case Timeout:
		return "Timeout"
	case ProcessSpawnFailure:
		return "ProcessSpawnFailure"
	case TransportDisconnected:
		return "TransportDisconnected"
	case AdmissionDenied:
		return "AdmissionDenied"
	case AdmissionQueueFull:
		return "AdmissionQueueFull"
	case ResponseConsumedElsewhere:
		return "ResponseConsumedElsewhere"
	case Cancelled:
		return "Cancelled"
	case ProcessingError:
		return "ProcessingError"
	case InvalidConfiguration:
		return "InvalidConfiguration"
	case InternalError:
		return "InternalError"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(e))
	}
}

func NewInternalError(errReference string) CubeError {
	return NewCubeErrorf(InternalError, "internal error - reference: %s please consult server logs for details", errReference)
}

func NewInvalidConfigurationError(msg string) CubeError {
	return NewCubeErrorf(InvalidConfiguration, "invalid configuration: %s", msg)
}

func NewTimeoutErrorf(msgFormat string, args ...interface{}) CubeError {
	return NewCubeErrorf(Timeout, msgFormat, args...)
}

func NewCancelledError(msg string) CubeError {
	return NewCubeError(Cancelled, msg)
}

func NewCubeErrorf(errorCode ErrorCode, msgFormat string, args ...interface{}) CubeError {
	msg := fmt.Sprintf(msgFormat, args...)
	return CubeError{Code: errorCode, Msg: msg}
}

func NewCubeError(errorCode ErrorCode, msg string) CubeError {
	return CubeError{Code: errorCode, Msg: msg}
}

// IsCubeErrorWithCode returns true if err, or any error it wraps, is a CubeError with the given code.
func IsCubeErrorWithCode(err error, code ErrorCode) bool {
	var cerr CubeError
	if As(err, &cerr) {
		return cerr.Code == code
	}
	return false
}

// MaybeConvertError converts an arbitrary error into a CubeError so it can cross a process or socket boundary.
// Errors which are not CubeErrors become InternalError with the original message.
func MaybeConvertError(err error) CubeError {
	var cerr CubeError
	if As(err, &cerr) {
		return cerr
	}
	return NewCubeError(InternalError, err.Error())
}

type CubeError struct {
	Code      ErrorCode
	Msg       string
	ExtraData []byte
}

func (u CubeError) Error() string {
	return u.Msg
}
