package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rcman/osfree/internal/klog"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "kctl",
	Short: "Operate a simulated SMP scheduling/interrupt-delivery core",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		viper.SetEnvPrefix("OSFREE")
		viper.AutomaticEnv()
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		klog.SetLevel(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.AddCommand(bootCmd)
	rootCmd.AddCommand(schedCmd)
	rootCmd.AddCommand(metricsCmd)
}
