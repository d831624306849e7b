package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/server"
	"github.com/cyclopcam/screenguard/server/config"
)

func main() {
	parser := argparse.NewParser("screenguard", "Live object detection over a composited set of screens")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file. If empty, built in defaults are used", Default: ""})
	listen := parser.String("l", "listen", &argparse.Options{Help: "HTTP listen address, eg :8080 (overrides config)", Default: ""})
	modelPath := parser.String("m", "model", &argparse.Options{Help: "ONNX model file or URL (overrides config)", Default: ""})
	numTest := parser.Int("t", "test", &argparse.Options{Help: "Attach this many synthetic test sources", Default: 0})
	detect := parser.Flag("d", "detect", &argparse.Options{Help: "Insert a detector into every new source", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	var cfg *config.Config
	if *configFile != "" {
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *modelPath != "" {
		cfg.ModelPath = *modelPath
	}
	for i := 0; i < *numTest; i++ {
		cfg.TestSources = append(cfg.TestSources, config.TestSource{})
	}
	if *detect {
		cfg.Defaults.Detectors = append(cfg.Defaults.Detectors, "detector")
	}
	// Command line additions need the same defaults and checks as the file
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	srv, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.ListenHTTP(cfg.Listen); err != nil {
		logger.Errorf("ListenHTTP returned: %v", err)
		srv.Shutdown()
		<-srv.ShutdownComplete
		os.Exit(1)
	}
	<-srv.ShutdownComplete
}
