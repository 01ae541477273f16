package main

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/rcman/osfree/internal/balancer"
	"github.com/rcman/osfree/internal/boot"
	"github.com/rcman/osfree/internal/kconfig"
)

var metricsCPUs int

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Boot a simulated system, run one tick window, and dump Prometheus text-format metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		h, err := boot.Build(ctx, boot.Config{CPUs: metricsCPUs, Tuning: kconfig.Default()})
		if err != nil {
			return err
		}

		// One balancer pass and a handful of timer ticks per CPU give the
		// dump some non-zero counters to show, rather than an all-zero
		// snapshot straight off bring-up.
		for _, id := range h.Sched.OnlineCPUIDs() {
			for i := 0; i < 5; i++ {
				if err := h.Sched.Tick(id); err != nil {
					return err
				}
			}
		}
		if len(h.Sched.OnlineCPUIDs()) > 1 {
			if _, err := balancer.Balance(h.Arch, h.Sched, h.Tuning, h.Sched.OnlineCPUIDs()[0], h.Metrics); err != nil {
				return err
			}
		}

		reg := prometheus.NewRegistry()
		if err := reg.Register(h.Metrics); err != nil {
			return err
		}
		families, err := reg.Gather()
		if err != nil {
			return err
		}
		enc := expfmt.NewEncoder(os.Stdout, expfmt.NewFormat(expfmt.TypeTextPlain))
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	metricsCmd.Flags().IntVar(&metricsCPUs, "cpus", 4, "number of simulated logical CPUs")
}
