package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sanavoice/sana/pkg/agent"
	"github.com/sanavoice/sana/pkg/logging"
	"github.com/sanavoice/sana/pkg/persona"
	"github.com/sanavoice/sana/pkg/transports/twilio"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the agent config file")
	tenantsPath := flag.String("tenants", "", "override the tenants file from config")
	dialTo := flag.String("dial-to", "", "place an outbound call to this number after startup")
	dialFrom := flag.String("dial-from", "", "caller ID for the outbound call")
	flag.Parse()

	if err := run(*configPath, *tenantsPath, *dialTo, *dialFrom); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, tenantsPath, dialTo, dialFrom string) error {
	cfg, err := agent.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := logging.Init(cfg.LogLevel, cfg.LogFormat)

	if tenantsPath != "" {
		cfg.TenantsFile = tenantsPath
	}
	store, err := persona.NewStoreFromFile(cfg.TenantsFile, logger)
	if err != nil {
		return err
	}

	transport := twilio.New(cfg.Transport)

	eng, err := agent.NewEngine(agent.EngineOptions{
		Config:    cfg,
		Transport: transport,
		Personas:  store,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	if dialTo != "" {
		dialer := twilio.NewDialer(cfg.Transport)
		sid, err := dialer.Dial(ctx, dialTo, dialFrom, "")
		if err != nil {
			logger.Error("outbound_dial_failed", "to", dialTo, "error", err)
		} else {
			logger.Info("outbound_dial_started", "to", dialTo, "call_sid", sid)
		}
	}

	<-ctx.Done()
	return eng.Stop()
}
