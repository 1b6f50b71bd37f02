package common

import (
	"fmt"
	"os"
	"runtime/debug"
)

// PanicHandler is deferred at the top of main. A worker child uses the same handler, so a panicking processor takes
// the child down with a non-zero exit code and the parent sees a broken pipe.
func PanicHandler() {
	if r := recover(); r != nil {
		fmt.Fprintf(os.Stderr, "Panic caught: %v\n", r)
		debug.PrintStack()
		os.Exit(1)
	}
}
