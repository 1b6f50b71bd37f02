package worker

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"github.com/cube-js/cube-sub010/common"
	"github.com/cube-js/cube-sub010/errors"
	"github.com/cube-js/cube-sub010/ipc"
	log "github.com/cube-js/cube-sub010/logger"
)

const (
	// ProcessorEnvVar names the registered processor a re-executed binary should run as a worker child.
	ProcessorEnvVar = "CUBE_WORKER_PROCESSOR"
	servicesEnvVar  = "CUBE_WORKER_SERVICES"
)

/*
Spawner creates child processes for worker slots. ctx is cancelled when the pool stops; it bounds starting the child
only. A returned child must keep running until Kill is called.
*/
type Spawner interface {
	Spawn(ctx context.Context) (*Child, error)
}

// SpawnerFunc adapts a function to a Spawner.
type SpawnerFunc func(ctx context.Context) (*Child, error)

func (f SpawnerFunc) Spawn(ctx context.Context) (*Child, error) {
	return f(ctx)
}

/*
Child is a running worker child as seen from the parent. Conn carries requests to the child and responses back.
Services, if not nil, is the channel the child uses to call back into the parent.
*/
type Child struct {
	Pid      int
	Conn     *ipc.Conn
	Services *ipc.Conn
	kill     func() error
	killOnce sync.Once
	killErr  error
}

// NewChild creates a Child. kill must terminate the child; the channels are closed by Kill after it returns.
func NewChild(pid int, conn *ipc.Conn, services *ipc.Conn, kill func() error) *Child {
	return &Child{Pid: pid, Conn: conn, Services: services, kill: kill}
}

// Kill terminates the child and closes its channels. It can be called any number of times.
func (c *Child) Kill() error {
	c.killOnce.Do(func() {
		c.killErr = c.kill()
		if err := c.Conn.Close(); err != nil {
			log.Debugf("failed to close channel to worker child %d: %v", c.Pid, err)
		}
		if c.Services != nil {
			if err := c.Services.Close(); err != nil {
				log.Debugf("failed to close services channel of worker child %d: %v", c.Pid, err)
			}
		}
	})
	return c.killErr
}

/*
ExecSpawner starts worker children by executing a binary, by default the current one. The binary must call
MaybeRunChild early in main so that it runs the processor registered as Processor instead of its normal work.

Requests go to the child's stdin and responses come back on its stdout, so the child logs to stderr. With Services
set the child also gets a callback channel on fds 3 and 4, see ParentConn.
*/
type ExecSpawner struct {
	Path      string
	Args      []string
	Env       []string
	Processor string
	Services  bool
}

func (e *ExecSpawner) Spawn(ctx context.Context) (*Child, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCubeErrorf(errors.ProcessSpawnFailure, "worker spawn cancelled: %v", err)
	}
	path := e.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, errors.NewCubeErrorf(errors.ProcessSpawnFailure, "cannot find worker executable: %v", err)
		}
		path = exe
	}
	conn, childStdin, childStdout, err := ipc.OSPipe()
	if err != nil {
		return nil, errors.NewCubeErrorf(errors.ProcessSpawnFailure, "cannot create worker channel: %v", err)
	}
	parentFiles := []*os.File{childStdin, childStdout}
	cmd := exec.Command(path, e.Args...)
	cmd.Stdin = childStdin
	cmd.Stdout = childStdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env, ProcessorEnvVar+"="+e.Processor)
	var servicesConn *ipc.Conn
	if e.Services {
		var servicesIn, servicesOut *os.File
		servicesConn, servicesIn, servicesOut, err = ipc.OSPipe()
		if err != nil {
			closeFiles(parentFiles)
			_ = conn.Close()
			return nil, errors.NewCubeErrorf(errors.ProcessSpawnFailure, "cannot create services channel: %v", err)
		}
		parentFiles = append(parentFiles, servicesIn, servicesOut)
		// fds 3 and 4 in the child
		cmd.ExtraFiles = []*os.File{servicesIn, servicesOut}
		cmd.Env = append(cmd.Env, servicesEnvVar+"=1")
	}
	err = cmd.Start()
	// The child has its own copies now. Ours must go so we see EOF when it dies.
	closeFiles(parentFiles)
	if err != nil {
		_ = conn.Close()
		if servicesConn != nil {
			_ = servicesConn.Close()
		}
		return nil, errors.NewCubeErrorf(errors.ProcessSpawnFailure, "failed to start worker %s: %v", path, err)
	}
	exited := make(chan struct{})
	common.Go(func() {
		defer close(exited)
		// the exit status of a killed child is of no interest
		_ = cmd.Wait()
	})
	kill := func() error {
		err := cmd.Process.Kill()
		<-exited
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			return errors.WithStack(err)
		}
		return nil
	}
	return NewChild(cmd.Process.Pid, conn, servicesConn, kill), nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		if err := f.Close(); err != nil {
			log.Debugf("failed to close %s: %v", f.Name(), err)
		}
	}
}
