package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hubertat/swout"
	"github.com/hubertat/swout/api"
	"github.com/hubertat/swout/drivers"
	"github.com/hubertat/swout/homekit"
)

var (
	Version string
	Build   string
)

const mockPassword = "mock"

func main() {
	log.SetLevel(log.DebugLevel)
	log.Info("swout started")
	log.Info("mock instance for testing puproses, should work on MacOs")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver := &drivers.MockIoDriver{}
	if err := driver.Setup(ctx); err != nil {
		log.Fatal("mock driver setup failed", "err", err)
	}
	defer driver.Close()

	registry, err := swout.NewRegistry(swout.NewMemoryStore(), driver, time.Second)
	if err != nil {
		log.Fatal("registry failed", "err", err)
	}

	for pin, name := range map[int]string{1: "fake light", 2: "fake outlet"} {
		if _, err = registry.Create(ctx, name, pin); err != nil {
			log.Fatal("failed to create mock output", "pin", pin, "err", err)
		}
	}

	hash, err := swout.HashPassword(mockPassword)
	if err != nil {
		log.Fatal("failed to hash mock password", "err", err)
	}
	cfg := &swout.Config{Users: []swout.User{{Username: "mock", PasswordHash: hash}}}

	driver.MonitorStateChanges(os.Stdout)
	registry.PrintStatus(os.Stdout)

	bridge := homekit.NewBridge(homekit.Config{
		Name:      "swout mock",
		Pin:       "88008800",
		Directory: "./mock_homekit",
	}, registry)
	registry.AddListener(bridge)
	go func() {
		if err := bridge.ListenAndServe(ctx, "mock: "+Version); err != nil {
			log.Error("HomeKit server stopped", "err", err)
		}
	}()

	apiCfg := api.DefaultConfig()
	apiCfg.AllowOrigin = "*"
	fmt.Printf("api on %s, user mock / password %s\n", apiCfg.Addr, mockPassword)

	if err = api.NewServer(apiCfg, registry, cfg).Start(ctx); err != nil {
		log.Fatal("api stopped", "err", err)
	}
}
