package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rhizomatics/logship/core"

	// Plugins register themselves at init time.
	_ "github.com/rhizomatics/logship/plugins/filter/level"
	_ "github.com/rhizomatics/logship/plugins/filter/regex"
	_ "github.com/rhizomatics/logship/plugins/input/file"
	_ "github.com/rhizomatics/logship/plugins/input/http"
	_ "github.com/rhizomatics/logship/plugins/input/kafka"
	_ "github.com/rhizomatics/logship/plugins/input/slog"
	_ "github.com/rhizomatics/logship/plugins/output/otlp"
	_ "github.com/rhizomatics/logship/plugins/output/syslog"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Path to configuration file (YAML)")
	flag.Parse()

	config, err := core.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Error loading config file: %v", err)
	}
	log.Printf("Loaded configuration from %s", *configFile)

	engine, err := core.NewEngineFromConfig(config)
	if err != nil {
		log.Fatalf("Error building engine: %v", err)
	}
	if err := engine.Start(); err != nil {
		engine.Stop()
		log.Fatalf("Error starting engine: %v", err)
	}

	// A config change builds and starts a fresh engine; the old one keeps
	// running until the replacement is ready.
	watcher, err := core.NewConfigWatcher(*configFile, func(newConfig *core.Config) {
		next, err := core.NewEngineFromConfig(newConfig)
		if err != nil {
			log.Printf("Reload failed, keeping the running engine: %v", err)
			return
		}
		engine.Stop()
		if err := next.Start(); err != nil {
			next.Stop()
			log.Fatalf("Error starting reloaded engine: %v", err)
		}
		engine = next
		log.Printf("Configuration reloaded from %s", *configFile)
	})
	if err != nil {
		log.Printf("Config watching disabled: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received %s, shutting down", sig)

	// Stopping the watcher first means no reload can swap the engine
	// underneath the final Stop.
	if watcher != nil {
		watcher.Stop()
	}
	engine.Stop()
	log.Println("logship shutdown complete")
}
