package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stratafs/mgm/internal/config"
)

var (
	cfgFile       string
	configFileErr error
	unmarshalErr  error
	appConfig     = config.NewDefault()
)

var rootCmd = &cobra.Command{
	Use:   "mgmd",
	Short: "Metadata-manager daemon for a distributed disk-storage fleet",
	Long: `mgmd supervises one node's view of the fleet: the scheduling
fleet registry, the master/slave role state machine, admission,
scheduling, drain, balance, and deletion. Run it as a long-lived
process with "mgmd run", or send an operator-invoked role transition
to a running process with "mgmd master promote"/"mgmd master demote".`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to mgmd's YAML config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(masterCmd)
}

func initConfig() {
	if cfgFile == "" {
		if err := appConfig.LoadFromEnv(); err != nil {
			unmarshalErr = err
		}
		return
	}

	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("error reading config file: %w", err)
		return
	}
	if err := appConfig.LoadFromFile(cfgFile); err != nil {
		configFileErr = fmt.Errorf("error parsing config file: %w", err)
		return
	}
	if err := appConfig.LoadFromEnv(); err != nil {
		unmarshalErr = err
	}
}
