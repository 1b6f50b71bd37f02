package common

import (
	"sync"
	"sync/atomic"

	log "github.com/cube-js/cube-sub010/logger"
)

var runningGRs int64

var grDebug atomic.Bool
var GRStacks sync.Map
var grStackSeq uint64

func SetGRDebug(debug bool) {
	grDebug.Store(debug)
}

// Go spawns a goroutine and keeps track of the number of running GRs.
// Slot loops, frame readers and refill loops are all started this way so tests can check they have exited.
// In debug mode it also stores creation stacks of all running goroutines.
func Go(f func()) {
	atomic.AddInt64(&runningGRs, 1)
	var seq uint64
	if grDebug.Load() {
		stack := GetCurrentStack()
		seq = atomic.AddUint64(&grStackSeq, 1)
		GRStacks.Store(seq, stack)
	}
	go func() {
		if grDebug.Load() {
			defer func() {
				GRStacks.Delete(seq)
			}()
		}
		defer atomic.AddInt64(&runningGRs, -1)
		f()
	}()
}

// GoWithWaitGroup is Go, but marks wg as done when f returns.
func GoWithWaitGroup(wg *sync.WaitGroup, f func()) {
	wg.Add(1)
	Go(func() {
		defer wg.Done()
		f()
	})
}

func RunningGRCount() int64 {
	return atomic.LoadInt64(&runningGRs)
}

//goland:noinspection GoUnusedExportedFunction
func DumpGRStacks() {
	log.Info("Dumping running goroutine creation stacks")
	GRStacks.Range(func(_, stack any) bool {
		log.Info(stack)
		log.Info("===============================================")
		return true
	})
	log.Info("End dump")
}
