package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/davr/pickups/internal/config"
	"github.com/davr/pickups/internal/gateway"
	"github.com/davr/pickups/internal/remote"
)

func main() {
	configPath := flag.String("config", "pickups.toml", "Path to the TOML config file")
	listen := flag.String("listen", "", "IRC listen address (overrides config)")
	endpoint := flag.String("remote", "", "Remote service websocket URL (overrides config)")
	token := flag.String("token", "", "Remote service auth token (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *endpoint != "" {
		cfg.Remote.Endpoint = *endpoint
	}
	if *token != "" {
		cfg.Remote.Token = *token
	}

	creds := remote.Credentials{Endpoint: cfg.Remote.Endpoint, Token: cfg.Remote.Token}
	srv := gateway.New(cfg.ListenAddr, cfg.ServerName, func(ctx context.Context) (gateway.Remote, error) {
		return remote.Connect(ctx, creds)
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			log.Fatalf("Gateway error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("Received signal %v, shutting down...", sig)
		srv.Stop()
	}

	log.Println("Gateway stopped")
}
