// Command checkconfig loads and validates the connector configuration from
// the environment, reporting every problem at once. Exits non-zero on any
// failure, so deployments can gate on it.
package main

import (
	"fmt"
	"os"

	"github.com/Jorineg/TeamworkMissiveConnector/config"
	"github.com/Jorineg/TeamworkMissiveConnector/labels"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.LabelCategoriesPath != "" {
		if _, err := labels.Load(cfg.LabelCategoriesPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	for _, w := range cfg.Warnings() {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}

	fmt.Println("configuration ok")
	fmt.Printf("  teamwork: %s\n", cfg.TeamworkBaseURL)
	fmt.Printf("  missive:  configured\n")
	if cfg.CraftEnabled() {
		fmt.Printf("  craft:    %s\n", cfg.CraftBaseURL)
	} else {
		fmt.Printf("  craft:    disabled\n")
	}
	fmt.Printf("  db:       %s\n", cfg.DBDSN)
	if cfg.DisableWebhooks {
		fmt.Printf("  webhooks: disabled (poll interval %s)\n", cfg.BackfillInterval)
	} else {
		fmt.Printf("  webhooks: enabled\n")
	}
}
