package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/tsos/blegateway/pkg/apiclient"
	"github.com/tsos/blegateway/pkg/bluetooth"
	"github.com/tsos/blegateway/pkg/config"
	"github.com/tsos/blegateway/pkg/monitor"
	"github.com/tsos/blegateway/pkg/protocol"
)

func main() {
	app := cli.NewApp()
	app.Name = "blegateway"
	app.Usage = "expose the tsOS configuration API over BLE GATT"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "path to YAML config file"},
		cli.StringFlag{Name: "api-url", Usage: "base URL of the configuration API"},
		cli.StringFlag{Name: "adapter", Usage: "bluetooth adapter (e.g. hci0)"},
		cli.StringFlag{Name: "name", Usage: "advertised device name"},
		cli.BoolFlag{Name: "pairing-required", Usage: "gate sensitive characteristics on pairing"},
		cli.BoolFlag{Name: "discoverable", Usage: "advertise as generally discoverable"},
		cli.StringFlag{Name: "monitor-addr", Usage: "listen address for the websocket monitor (empty disables)"},
		cli.BoolFlag{Name: "v", Usage: "verbose, TraceLevel"},
		cli.BoolFlag{Name: "q", Usage: "quiet, InfoLevel"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	setupLogging(c, cfg)

	log.Info("Starting tsOS BLE configuration gateway")
	log.Info("Configuration API: ", cfg.APIBaseURL)
	log.Info("Primary service:   ", protocol.SlotUUID(protocol.SlotSystemService))
	log.Info("Process control:   ", protocol.SlotUUID(protocol.SlotProcessService))
	log.Info("Upload:            ", protocol.SlotUUID(protocol.SlotUploadService))

	api := apiclient.New(cfg.APIBaseURL)
	if err := waitForAPI(api, cfg); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	gw := bluetooth.New(bluetooth.Options{
		API:             api,
		Adapter:         cfg.Adapter,
		DeviceName:      cfg.DeviceName,
		PairingRequired: cfg.PairingRequired,
		Discoverable:    cfg.Discoverable,
	})

	if cfg.MonitorAddr != "" {
		mon := monitor.New(cfg.MonitorAddr, gw)
		gw.Context().SetEventSink(mon)
		go func() {
			if err := mon.Start(); err != nil {
				log.Errorf("monitor server failed: %v", err)
			}
		}()
	}

	if err := gw.Start(); err != nil {
		gw.Stop()
		return cli.NewExitError(err.Error(), 1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Infof("received %s, shutting down", s)
		gw.Stop()
		return nil
	case err := <-gw.Fatal():
		gw.Stop()
		return cli.NewExitError(err.Error(), 1)
	}
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	if v := c.String("api-url"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := c.String("adapter"); v != "" {
		cfg.Adapter = v
	}
	if v := c.String("name"); v != "" {
		cfg.DeviceName = v
	}
	if c.Bool("pairing-required") {
		cfg.PairingRequired = true
	}
	if c.Bool("discoverable") {
		cfg.Discoverable = true
	}
	if v := c.String("monitor-addr"); v != "" {
		cfg.MonitorAddr = v
	}
}

// if both verbose and quiet are chosen, e.g., -v -q, the verbose dominates
func setupLogging(c *cli.Context, cfg *config.Config) {
	switch {
	case c.Bool("v"):
		log.SetLevel(log.TraceLevel)
	case c.Bool("q"):
		log.SetLevel(log.InfoLevel)
	default:
		if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			log.SetLevel(level)
		} else {
			log.SetLevel(log.DebugLevel)
		}
	}

	log.SetFormatter(&logrus.TextFormatter{
		DisableQuote: true,
		ForceColors:  true,
	})
}

// waitForAPI polls the configuration API until it answers, so the
// gateway never advertises characteristics it cannot serve.
func waitForAPI(api *apiclient.Client, cfg *config.Config) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.LivenessAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		lastErr = api.Ping(ctx)
		cancel()
		if lastErr == nil {
			log.Infof("configuration API is up (attempt %d)", attempt)
			return nil
		}
		log.Debugf("configuration API not ready (attempt %d/%d): %v",
			attempt, cfg.LivenessAttempts, lastErr)
		time.Sleep(cfg.LivenessInterval)
	}
	return lastErr
}
