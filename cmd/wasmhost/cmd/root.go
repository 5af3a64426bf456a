package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/wasmhost/pkg/logging"
)

var (
	cfgFile      string
	outputFormat string
	logLevel     string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "wasmhost",
	Short: "Host for natively-compiled application modules",
	Long: `wasmhost supervises one natively-compiled application module: it probes
the host for the capabilities the module needs, runs the module, presents
its lifecycle, and restarts it according to the configured policy.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.wasmhost/config)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".wasmhost")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("WASMHOST")
	viper.AutomaticEnv()

	viper.BindEnv("nats_url", "WASMHOST_NATS_URL")
	viper.BindEnv("otlp_endpoint", "WASMHOST_OTLP_ENDPOINT")

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetString("log_level") != "" && !rootCmd.PersistentFlags().Changed("log-level") {
			logLevel = viper.GetString("log_level")
		}
	}
}

func newLogger() *logging.Logger {
	return logging.NewLogger(logging.ParseLevel(logLevel), viper.GetBool("log_json"))
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// IsYAMLOutput returns true if YAML output is requested
func IsYAMLOutput() bool {
	return outputFormat == "yaml"
}
