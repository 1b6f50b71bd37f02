package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	konghcl "github.com/alecthomas/kong-hcl/v2"
	"github.com/cube-js/cube-sub010/common"
	"github.com/cube-js/cube-sub010/conf"
	"github.com/cube-js/cube-sub010/errors"
	log "github.com/cube-js/cube-sub010/logger"
	"github.com/cube-js/cube-sub010/server"
	"github.com/cube-js/cube-sub010/worker"
)

type arguments struct {
	Config    kong.ConfigFlag `help:"Path to config file" type:"existingfile"`
	Server    conf.Config     `help:"Server configuration" embed:"" prefix:""`
	Log       log.Config      `help:"Configuration for the logger" embed:"" prefix:"log-"`
	LogConfig bool            `help:"Print the config file on startup"`
}

func logErrorAndExit(msg string) {
	log.Errorf(msg)
	os.Exit(1)
}

func main() {
	// This binary is also the worker. Children never get past here.
	worker.MaybeRunChild()

	defer common.PanicHandler()

	r := &runner{}

	cfg, err := r.loadConfig(os.Args[1:])
	if err != nil {
		logErrorAndExit(err.Error())
	}

	stopWG := sync.WaitGroup{}
	stopWG.Add(1)

	if err := r.run(&cfg.Server, true, &stopWG); err != nil {
		logErrorAndExit(err.Error())
	}

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		log.Warnf("signal: %s received. execution server will be stopped", sig.String())
		// hard stop if server Stop() hangs. Workers are killed as part of Stop, so allow for in-flight requests
		tz := time.AfterFunc(*cfg.Server.WorkerTimeout+5*time.Second, func() {
			log.Warn("server.Stop() did not complete in time. system will exit.")
			os.Exit(1)
		})
		if err := r.server.Stop(); err != nil {
			log.Warnf("failure in stopping execution server: %v", err)
		}
		tz.Stop()
	}()

	stopWG.Wait()
	log.Infof("execution server exited")
}

type runner struct {
	server *server.Server
}

func (r *runner) loadConfig(args []string) (*arguments, error) {
	printConfig := false
	for _, arg := range args {
		if arg == "--log-config" {
			printConfig = true
		}
	}
	var cfgString string
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			bytes, err := os.ReadFile(args[i+1])
			if err != nil {
				return nil, errors.WithStack(err)
			}
			cfgString = string(bytes)
			if printConfig {
				// Printed before the logger is configured, as a bad config could stop that from working
				fmt.Println("config file is:")
				fmt.Println(cfgString)
			}
		}
	}
	cfg := arguments{}
	parser, err := kong.New(&cfg, kong.Configuration(konghcl.Loader))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	_, err = parser.Parse(args)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := cfg.Log.Configure(); err != nil {
		return nil, errors.WithStack(err)
	}
	cfg.Server.ApplyDefaults()
	if cfgString != "" {
		cfg.Server.Original = &cfgString
	}
	return &cfg, nil
}

func (r *runner) run(cfg *conf.Config, start bool, stopWg *sync.WaitGroup) error {
	s, err := server.NewServer(*cfg)
	if err != nil {
		return errors.WithStack(err)
	}
	r.server = s
	if start {
		s.SetStopWaitGroup(stopWg)
		if err := s.Start(); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (r *runner) getServer() *server.Server {
	return r.server
}
