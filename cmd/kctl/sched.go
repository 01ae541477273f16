package main

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/spf13/cobra"

	"github.com/rcman/osfree/internal/boot"
	"github.com/rcman/osfree/internal/kconfig"
)

var schedCmd = &cobra.Command{
	Use:   "sched",
	Short: "Inspect or exercise the scheduler",
}

var schedDumpCPUs int

var schedDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Boot a simulated system and print each CPU's run-queue state",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := boot.Build(context.Background(), boot.Config{CPUs: schedDumpCPUs, Tuning: kconfig.Default()})
		if err != nil {
			return err
		}
		for _, id := range h.Sched.OnlineCPUIDs() {
			snap, err := h.Sched.Snapshot(id)
			if err != nil {
				return err
			}
			fmt.Printf("cpu %d: nr_running=%d switch_count=%d tick_count=%d class_bitmap=%0*b\n",
				id, snap.NRRunning, snap.SwitchCount, snap.TickCount, h.Tuning.NumClasses, snap.ClassBitmap)
			for class := 0; class < h.Tuning.NumClasses && class < len(snap.ActiveBitmap); class++ {
				active := snap.ActiveBitmap[class]
				if active == 0 {
					continue
				}
				fmt.Printf("  class %d: active_bitmap=%0*b (%d levels occupied)\n",
					class, h.Tuning.LevelsPerClass, active, bits.OnesCount32(active))
			}
		}
		return nil
	},
}

var schedBenchScenario string
var schedBenchCPUs int
var schedBenchRounds int

var schedBenchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run one of the end-to-end scheduler scenarios from spec §8",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		switch schedBenchScenario {
		case "ping-pong":
			h, err := boot.Build(ctx, boot.Config{CPUs: schedBenchCPUs, Tuning: kconfig.Default()})
			if err != nil {
				return err
			}
			report, err := boot.RunPingPong(h, schedBenchRounds)
			if err != nil {
				return err
			}
			fmt.Printf("ping-pong: rounds=%d A{switches=%d last_cpu=%d} B{switches=%d last_cpu=%d}\n",
				report.Rounds, report.ThreadASwitches, report.ThreadALastCPU, report.ThreadBSwitches, report.ThreadBLastCPU)
		case "preempt":
			h, err := boot.Build(ctx, boot.Config{CPUs: 1, Tuning: kconfig.Default()})
			if err != nil {
				return err
			}
			report, err := boot.RunPreempt(h)
			if err != nil {
				return err
			}
			fmt.Printf("preempt: winner_is_high_priority=%v low_involuntary_switches=%d high_rank=%d low_rank=%d\n",
				report.WinnerIsHighPriority, report.LowInvoluntarySwitches, report.HighRank, report.LowRank)
			if !report.WinnerIsHighPriority {
				return fmt.Errorf("preempt scenario failed: time-critical thread did not preempt")
			}
		case "migrate":
			h, err := boot.Build(ctx, boot.Config{CPUs: schedBenchCPUs, Tuning: kconfig.Default()})
			if err != nil {
				return err
			}
			report, err := boot.RunMigrate(h)
			if err != nil {
				return err
			}
			fmt.Printf("migrate: moved=%v before=%v after=%v\n", report.Moved, report.Before, report.After)
			if !report.Moved {
				return fmt.Errorf("migrate scenario failed: no thread was moved")
			}
		default:
			return fmt.Errorf("unknown scenario %q: expected ping-pong, preempt, or migrate", schedBenchScenario)
		}
		return nil
	},
}

func init() {
	schedDumpCmd.Flags().IntVar(&schedDumpCPUs, "cpus", 4, "number of simulated logical CPUs")

	schedBenchCmd.Flags().StringVar(&schedBenchScenario, "scenario", "ping-pong", "ping-pong, preempt, or migrate")
	schedBenchCmd.Flags().IntVar(&schedBenchCPUs, "cpus", 2, "number of simulated logical CPUs (ping-pong/migrate only)")
	schedBenchCmd.Flags().IntVar(&schedBenchRounds, "rounds", 10, "number of ping-pong rounds")

	schedCmd.AddCommand(schedDumpCmd)
	schedCmd.AddCommand(schedBenchCmd)
}
