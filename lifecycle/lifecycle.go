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

package lifecycle

import (
	"net/http"
	"sync"

	"github.com/cube-js/cube-sub010/common"
	"github.com/cube-js/cube-sub010/conf"
	"github.com/cube-js/cube-sub010/errors"
	log "github.com/cube-js/cube-sub010/logger"
	"go.uber.org/atomic"
)

// Probe reports whether a state currently holds.
type Probe func() bool

/*
Endpoints provides HTTP lifecycle endpoints for k8s startup, readiness and liveness probes. Startup and liveness follow
SetActive. Readiness additionally requires the ready probe to pass, so a server whose workers are all down stops
receiving traffic while staying alive.
*/
type Endpoints struct {
	lock    sync.Mutex
	conf    conf.Config
	server  *http.Server
	address string
	stopWG  sync.WaitGroup
	active  atomic.Bool
	ready   Probe
}

// NewLifecycleEndpoints creates the endpoints. ready may be nil, in which case readiness follows SetActive.
func NewLifecycleEndpoints(config conf.Config, ready Probe) *Endpoints {
	e := &Endpoints{conf: config, ready: ready}
	if e.ready == nil {
		e.ready = func() bool { return true }
	}
	return e
}

func (e *Endpoints) SetActive(active bool) {
	e.active.Store(active)
}

func (e *Endpoints) Start() error {
	if !*e.conf.LifecycleEndpointEnabled {
		return nil
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	sm := http.NewServeMux()
	sm.Handle(*e.conf.StartupEndpointPath, &handler{state: e.active.Load})
	sm.Handle(*e.conf.ReadyEndpointPath, &handler{state: func() bool {
		return e.active.Load() && e.ready()
	}})
	sm.Handle(*e.conf.LiveEndpointPath, &handler{state: e.active.Load})

	ln, err := common.Listen(*e.conf.LifecycleAddress)
	if err != nil {
		return errors.WithStack(err)
	}
	e.address = ln.Addr().String()
	e.server = &http.Server{Handler: sm}
	common.GoWithWaitGroup(&e.stopWG, func() {
		err := e.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("lifecycle server failed to listen %v", err)
		}
	})
	return nil
}

func (e *Endpoints) Address() string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.address
}

func (e *Endpoints) Stop() error {
	if !*e.conf.LifecycleEndpointEnabled {
		return nil
	}
	e.lock.Lock()
	server := e.server
	e.lock.Unlock()
	if server == nil {
		return nil
	}
	err := server.Close()
	e.stopWG.Wait()
	return err
}

type handler struct {
	state Probe
}

func (i *handler) ServeHTTP(writer http.ResponseWriter, _ *http.Request) {
	if i.state() {
		writer.WriteHeader(http.StatusOK)
	} else {
		writer.WriteHeader(http.StatusServiceUnavailable)
	}
}
