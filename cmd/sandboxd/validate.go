package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sandboxlab/sandboxd/internal/config"
)

var validateConfigPath string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse and validate the config file without starting the server",
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runValidate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(validateConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("config ok: %d vm(s) configured, listening on %s\n", len(cfg.VMs), cfg.Server.Addr())
	return nil
}
