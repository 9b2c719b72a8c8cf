package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SpireTech/bifrost/internal/config"
)

var (
	version = "dev"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:           "bifrost",
	Short:         "Multi-tenant workflow execution worker",
	Long:          `Bifrost consumes workflow execution requests from a broker queue, runs them in a supervised worker pool, and records their terminal results durably.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./bifrost.yaml or ~/.bifrost/bifrost.yaml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("bifrost", version)
		},
	})
}

func loadConfig() (config.Config, error) {
	return config.NewLoader(cfgFile).Load()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
