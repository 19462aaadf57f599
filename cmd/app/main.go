package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/hubertat/servicemaker"

	"github.com/hubertat/swout"
	"github.com/hubertat/swout/api"
	"github.com/hubertat/swout/homekit"
	"github.com/hubertat/swout/mqtt"
)

var (
	Version string
	Build   string

	config       = flag.String("config", "config.json", "path of the configuration file")
	flagInstall  = flag.Bool("install", false, "Install service in os")
	hashPassword = flag.String("hash-password", "", "print bcrypt hash of given password (for config Users) and exit")
	flagVersion  = flag.Bool("version", false, "print version and exit")

	swoService = servicemaker.ServiceMaker{
		User:               "swout",
		UserGroups:         []string{"gpio", "i2c"},
		ServicePath:        "/etc/systemd/system/swout.service",
		ServiceDescription: "SwOut service: digital output manager with http api, mqtt and HomeKit. github.com/hubertat/swout",
		ExecDir:            "/srv/swout",
		ExecName:           "swout",
	}
)

func main() {
	flag.Parse()

	if *flagVersion {
		fmt.Printf("swout %s (build %s)\n", Version, Build)
		return
	}

	if len(*hashPassword) > 0 {
		hash, err := swout.HashPassword(*hashPassword)
		if err != nil {
			log.Fatal("failed to hash password", "err", err)
		}
		fmt.Println(hash)
		return
	}

	if *flagInstall {
		err := swoService.InstallService()
		if err != nil {
			log.Fatal("service install failed", "err", err)
		}
		log.Info("service installed!")
		return
	}

	cfg, err := swout.LoadConfig(*config)
	if err != nil {
		log.Fatal("can't load config, will terminate", "config", *config, "err", err)
	}
	level, _ := log.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)

	logger := log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "swout",
		Level:  log.GetLevel(),
	})
	logger.Info("started", "version", Version, "build", Build)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = run(ctx, cfg, logger); err != nil {
		logger.Error("terminating", "err", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func run(ctx context.Context, cfg *swout.Config, logger *log.Logger) error {
	driver, _ := cfg.Driver()
	hardwareTimeout, _ := cfg.HardwareTimeoutDuration()
	tokenTtl, _ := cfg.TokenTtlDuration()

	logger.Info("will init pin driver", "driver", driver)
	if err := driver.Setup(ctx); err != nil {
		return err
	}
	defer func() {
		if err := driver.Close(); err != nil {
			logger.Error("failed to close pin driver", "err", err)
		}
	}()

	registry, err := swout.NewRegistry(cfg.Store(), driver, hardwareTimeout)
	if err != nil {
		return err
	}

	logger.Info("restoring outputs")
	if err = registry.Restore(ctx); err != nil {
		return err
	}
	registry.PrintStatus(os.Stdout)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if len(cfg.MqttBroker) > 0 {
		mc, err := mqtt.NewMqttClient(cfg.MqttBroker, cfg.Name)
		if err != nil {
			return err
		}
		commands := swout.NewMqttCommands(registry, mc, cfg.MqttTopicPrefix)
		registry.AddListener(commands)
		go commands.Run(ctx)

		if err = mc.Connect(ctx, []mqtt.MqttHandler{commands}); err != nil {
			logger.Warn("mqtt broker not connected yet, will keep trying", "broker", cfg.MqttBroker, "err", err)
		}
		commands.PublishAll()
		defer mc.Disconnect(context.Background())
	} else {
		logger.Info("MQTT not configured, disabled")
	}

	if len(cfg.HkPin) == 8 {
		bridge := homekit.NewBridge(homekit.Config{
			Name:      cfg.Name,
			Pin:       cfg.HkPin,
			Directory: cfg.HkDirectory,
			Address:   cfg.HkAddress,
			Debug:     cfg.HkDebug,
		}, registry)
		registry.AddListener(bridge)

		go func() {
			if err := bridge.ListenAndServe(ctx, Version); err != nil {
				logger.Error("HomeKit server stopped", "err", err)
			}
		}()
	} else {
		logger.Info("HomeKit not configured, disabled")
	}

	if len(cfg.Users) == 0 {
		logger.Warn("no Users configured, api tokens can't be issued")
	}
	apiCfg := api.DefaultConfig()
	apiCfg.Addr = cfg.HttpAddr
	apiCfg.TokenTtl = tokenTtl
	apiCfg.AllowOrigin = cfg.AllowOrigin

	return api.NewServer(apiCfg, registry, cfg).Start(ctx)
}
