package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"homegate/internal/api"
	"homegate/internal/cmdrun"
	"homegate/internal/config"
	"homegate/internal/ipset"
	"homegate/internal/notify"
	"homegate/internal/provider"
	"homegate/internal/runtime"
	"homegate/internal/sched"
	"homegate/internal/state"
	"homegate/internal/tasks"
)

const defaultConfigPath = "/etc/homegate.yaml"

func main() {
	_ = godotenv.Load()

	configDefault := defaultConfigPath
	if env := os.Getenv("HOMEGATE_CONFIG"); env != "" {
		configDefault = env
	}

	var (
		configPath = flag.String("config", configDefault, "path to configuration file")
		dumpConfig = flag.Bool("dump-config", false, "dump parsed config file and exit (helps to find typos)")
		debug      = flag.Bool("debug", false, "enable pprof debug endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Read(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if *dumpConfig {
		out, err := cfg.Dump()
		if err != nil {
			log.Fatal().Err(err).Msg("dump config")
		}
		fmt.Print(out)
		return
	}

	runner := cmdrun.Local{}
	guard := state.Load(cfg.PersistentStatePath)
	rt := runtime.New(runner, cfg.HostapControlPath)

	var notifier *notify.Notifier
	if cfg.Telegram != nil {
		notifier = notify.New(*cfg.Telegram, guard)
	}

	var mobile *provider.Provider
	if cfg.MobileProvider != nil {
		mobile = provider.New(*cfg.MobileProvider, runner, guard, notifier)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := sched.New(ctx)
	err = tasks.Register(scheduler, tasks.Deps{
		Cfg:      cfg,
		Guard:    guard,
		Runner:   runner,
		Runtime:  rt,
		Notifier: notifier,
		Provider: mobile,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("register scheduled jobs")
	}
	scheduler.Start()

	acl := ipset.New(cfg.IPSetACLName, runner)
	shaper := ipset.New(cfg.IPSetShaperName, runner)
	srv := &http.Server{
		Addr:    cfg.HTTPListen,
		Handler: api.NewServerWithDebug(cfg, guard, acl, shaper, rt, *debug),
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPListen).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)

	// Let in-flight jobs finish their commits.
	select {
	case <-scheduler.Stop().Done():
	case <-time.After(10 * time.Second):
		log.Warn().Msg("timed out waiting for scheduled jobs")
	}
}
