package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"

	"github.com/tarungka/flo/engine"
	"github.com/tarungka/flo/internal/logger"
	"github.com/tarungka/flo/server"
)

var (
	buildString = "unknown"
	ko          = koanf.New(".")
)

func main() {
	initFlags(ko)

	if ko.Bool("version") {
		fmt.Println(buildString)
		os.Exit(0)
	}
	logger.SetDevelopment(ko.Bool("dev"))
	mainLog := logger.GetLogger("flo")
	mainLog.Info().Msgf("build version: %s", buildString)

	interval, err := time.ParseDuration(ko.String("checkpoint-interval"))
	if err != nil {
		log.Fatal().Msgf("bad checkpoint-interval: %v", err)
	}
	timeout, err := time.ParseDuration(ko.String("checkpoint-timeout"))
	if err != nil {
		log.Fatal().Msgf("bad checkpoint-timeout: %v", err)
	}

	g, err := demoGraph(ko)
	if err != nil {
		log.Fatal().Msgf("building job graph: %v", err)
	}
	store, err := openStore(ko)
	if err != nil {
		log.Fatal().Msgf("opening checkpoint store: %v", err)
	}
	defer store.Close()

	e, err := engine.New(g, store, engine.Config{
		CheckpointInterval: interval,
		CheckpointTimeout:  timeout,
	})
	if err != nil {
		log.Fatal().Msgf("building engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := server.Run(ctx, ko, e); err != nil {
			mainLog.Error().Err(err).Msg("web server stopped")
		}
	}()

	if err := e.Run(ctx); err != nil {
		log.Fatal().Msgf("starting engine: %v", err)
	}
	mainLog.Info().Msgf("job %s running", e.Control().Status().RunID)

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigs:
		mainLog.Info().Msg("received interrupt; stopping gracefully (interrupt again to force)")
		if err := e.Control().Stop(engine.StopGraceful); err != nil {
			mainLog.Error().Err(err).Msg("graceful stop failed, forcing")
			_ = e.Control().Stop(engine.StopForce)
		}
		select {
		case <-sigs:
			mainLog.Warn().Msg("second interrupt; forcing stop")
			_ = e.Control().Stop(engine.StopForce)
			<-e.Done()
		case <-e.Done():
		}
	case <-e.Done():
	}

	status := e.Control().Status()
	if status.FailureMessage != "" {
		mainLog.Error().Msgf("job finished with failure: %s", status.FailureMessage)
		os.Exit(1)
	}
	mainLog.Info().Msgf("job finished in state %s", status.StateName)
}
