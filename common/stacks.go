package common

import (
	"runtime"
)

func GetCurrentStack() string {
	buf := make([]byte, 1<<16)
	l := runtime.Stack(buf, false)
	return string(buf[:l])
}
