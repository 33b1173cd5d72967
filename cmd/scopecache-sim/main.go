// Command scopecache-sim runs consistency scenarios against an in-memory
// remote API with read-after-write lag.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/scopecache/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "scopecache-sim",
	Short:         "Drive the scopecache coordinator through identity switches and dependent mutations",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (SCOPECACHE_* env vars override it)")
	rootCmd.AddCommand(runCmd, statsCmd, configCmd)
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
