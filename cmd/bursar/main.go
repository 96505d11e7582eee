package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "bursar",
	Short: "Bursar — Budget Control Plane",
	Long:  "Bursar sits between AI agents and LLM providers, exchanging agent identity credentials for short-lived budget leases so agents can spend against hard caps without ever holding a real provider key.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/bursar.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
