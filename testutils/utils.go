//go:build !release

package testutils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	defaultWaitTimeout = 10 * time.Second
	pollInterval       = time.Millisecond
)

type Predicate func() (bool, error)

// WaitUntil polls predicate until it holds. The test fails if the predicate errors or doesn't hold within 10s.
func WaitUntil(t *testing.T, predicate Predicate) {
	t.Helper()
	WaitUntilWithDur(t, predicate, defaultWaitTimeout)
}

func WaitUntilWithDur(t *testing.T, predicate Predicate, timeout time.Duration) {
	t.Helper()
	complete, err := WaitUntilWithError(predicate, timeout, pollInterval)
	require.NoError(t, err)
	require.True(t, complete, "timed out after %s waiting for predicate", timeout)
}

// WaitUntilWithError returns false if timeout passes before predicate holds, and the first error the predicate
// returns.
func WaitUntilWithError(predicate Predicate, timeout time.Duration, sleepTime time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		complete, err := predicate()
		if err != nil || complete {
			return complete, err
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		time.Sleep(sleepTime)
	}
}

// WaitForValue waits until get returns expected.
func WaitForValue[T comparable](t *testing.T, expected T, get func() T) {
	t.Helper()
	var last T
	complete, _ := WaitUntilWithError(func() (bool, error) {
		last = get()
		return last == expected, nil
	}, defaultWaitTimeout, pollInterval)
	require.True(t, complete, "timed out waiting for %v, last value %v", expected, last)
}
