package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcman/osfree/internal/boot"
	"github.com/rcman/osfree/internal/kconfig"
)

var (
	bootCPUs     int
	bootFailCPUs []int
)

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Bring up a simulated N-CPU system and report which CPUs joined",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := boot.Build(context.Background(), boot.Config{
			CPUs:     bootCPUs,
			Tuning:   kconfig.Default(),
			FailCPUs: bootFailCPUs,
		})
		if err != nil {
			return err
		}

		fmt.Printf("bsp: cpu %d\n", h.Result.BSPLogicalID)
		fmt.Printf("booted:    %v\n", h.Result.Booted)
		fmt.Printf("timed out: %v\n", h.Result.TimedOut)
		for _, id := range append([]int{h.Result.BSPLogicalID}, h.Result.Booted...) {
			info, err := h.PerCPU.Get(id)
			if err != nil {
				continue
			}
			fmt.Printf("  cpu %d: %s\n", id, info.State())
		}
		for _, id := range h.Result.TimedOut {
			info, err := h.PerCPU.Get(id)
			if err != nil {
				continue
			}
			fmt.Printf("  cpu %d: %s\n", id, info.State())
		}
		return nil
	},
}

func init() {
	bootCmd.Flags().IntVar(&bootCPUs, "cpus", 4, "number of simulated logical CPUs, including the BSP")
	bootCmd.Flags().IntSliceVar(&bootFailCPUs, "fail-cpu", nil, "logical id of an AP to simulate as never responding to STARTUP (repeatable)")
}
