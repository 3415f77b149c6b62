package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/fireauth2/fireauth2/internal"
	"github.com/fireauth2/fireauth2/internal/config"
	"github.com/fireauth2/fireauth2/internal/log"
)

var BuildVersion = "dev"

func main() {
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(BuildVersion)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Starting fireauth2", map[string]any{
		"version": BuildVersion,
	})

	app, err := internal.NewFireAuth2(context.Background(), cfg)
	if err != nil {
		log.LogError("Failed to create OAuth relay: %v", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		log.LogError("Failed to start server: %v", err)
		os.Exit(1)
	}
}
