package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maastricht-university/callpulse/cache"
	"github.com/maastricht-university/callpulse/clients"
	cfg "github.com/maastricht-university/callpulse/config"
	"github.com/maastricht-university/callpulse/logging"
	"github.com/maastricht-university/callpulse/orchestrator"
	"github.com/maastricht-university/callpulse/pool"
	"github.com/maastricht-university/callpulse/server"
	"github.com/maastricht-university/callpulse/session"
	"github.com/maastricht-university/callpulse/store"
	"github.com/maastricht-university/callpulse/throttle"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve analysis sessions on /ws",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	conf, v, err := cfg.Load(configPath)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		conf.Server.Addr = serveAddr
	}
	if err := logging.Setup(conf.Log); err != nil {
		return err
	}
	log := logging.For("serve")

	specs, err := orchestrator.LoadSpecs(conf.Analysis.TasksFile)
	if err != nil {
		return err
	}
	backend, err := store.Open(conf.Persist)
	if err != nil {
		return err
	}
	defer backend.Close()

	p := pool.New(map[pool.Class]int{pool.Main: conf.Pool.Main, pool.Aux: conf.Pool.Aux})
	rc := cache.New(conf.Cache.MaxEntries)
	h := clients.NewHTTP()

	if conf.Services.Scoring.URL == "" {
		log.Warn("services.scoring.url is empty, every category will be neutral")
	}
	scoring := clients.NewScoring(h, conf.Services.Scoring.URL)
	orch := orchestrator.New(orchestrator.Config{
		TaskTimeout: cfg.DurMillis(conf.Analysis.TaskTimeoutMs),
		Stream: throttle.Config{
			MinChars:    conf.Stream.MinChars,
			MinInterval: cfg.DurMillis(conf.Stream.MinIntervalMs),
		},
		Specs: specs,
	}, p.Scorer(pool.Main, scoring), p.Scorer(pool.Aux, scoring), rc, logging.For("orchestrator"))

	deps := session.Deps{Analyzer: orch, Store: backend, Log: logging.For("session")}
	if u := conf.Services.Transcription.URL; u != "" {
		deps.Transcriber = clients.NewTranscription(h, u)
	} else {
		log.Warn("services.transcription.url is empty, audio frames will be ignored")
	}
	reg := session.NewRegistry(context.Background(), session.OptionsFromConfig(conf), deps)

	if used := v.ConfigFileUsed(); used != "" {
		cfg.Watch(v, func(c *cfg.Root) {
			reg.UpdateSettings(session.SettingsFromConfig(c))
			if err := logging.Setup(c.Log); err != nil {
				log.WithError(err).Warn("keeping previous log settings")
			}
			log.WithField("file", used).Info("config reloaded")
		}, func(err error) {
			log.WithError(err).Warn("config reload rejected")
		})
	}

	srv := server.New(server.Config{
		ReadLimit:      conf.Server.ReadLimit,
		CloseTimeout:   cfg.DurSeconds(conf.Server.CloseTimeoutS),
		OriginPatterns: conf.Server.OriginPatterns,
		Version:        conf.Pipeline.Version,
	}, reg, p, rc, logging.For("server"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("version", conf.Pipeline.Version).Infof("%s starting", conf.Pipeline.Name)
	serveErr := server.ListenAndServe(ctx, conf.Server.Addr, srv.Handler(), log)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.DurSeconds(conf.Server.CloseTimeoutS))
	defer cancel()
	if err := reg.CloseAll(closeCtx); err != nil {
		log.WithError(err).Warn("sessions did not close cleanly")
	}
	if serveErr != nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	log.Info("stopped")
	return nil
}
