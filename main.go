package main

import (
	"flag"

	"github.com/sirupsen/logrus"

	"github.com/terrencecrowley/storages3/server"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	// Load configuration
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	// Create and start server
	srv, err := server.NewServer(config)
	if err != nil {
		logrus.Fatalf("Failed to create server: %v", err)
	}

	logrus.Info("Starting blob storage adapter")
	if err := srv.Start(); err != nil {
		logrus.Fatalf("Failed to start server: %v", err)
	}
}
