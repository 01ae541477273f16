// Command kctl is the operator-facing CLI for the scheduling/IPI core: it
// drives a synthetic arch.Sim system through bring-up, renders scheduler
// state, runs the end-to-end bench scenarios, and dumps Prometheus metrics,
// all without requiring real hardware. Grounded on the pack's pervasive
// cobra+viper CLI pairing (sgtest-megarepo's kubernetes/grafana/sourcegraph
// go.mod files all carry both).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
