// Command routerd runs the series routing engine as a daemon: it watches
// the incoming spool folder, matches each series against the configured
// rule table, and dispatches it to the folders, targets, and webhooks the
// matched rules name.
package main

import (
	"flag"
	"log"
	"os"

	"mercutio-route/internal/app"
)

func main() {
	defaultConfig := os.Getenv("MERCUTIO_CONFIG_FILE")
	if defaultConfig == "" {
		defaultConfig = "/etc/mercutio-route/config.yaml"
	}
	configFile := flag.String("config", defaultConfig, "path to the routing engine's YAML configuration file")
	flag.Parse()

	application, err := app.New(*configFile)
	if err != nil {
		log.Fatalf("failed to initialize mercutio-route: %v", err)
	}

	if err := application.Run(); err != nil {
		log.Fatalf("mercutio-route exited with error: %v", err)
	}
}
