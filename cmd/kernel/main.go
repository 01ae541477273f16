// Command kernel is the (conceptual) freestanding boot entry point: it
// mirrors Biscuit's main() orchestration order (arch init, a CPU
// sanity check, AP bring-up via the INIT/STARTUP IPI sequence, then handing
// control to the scheduler) but targets internal/arch's simulated Arch
// instead of patching the Go runtime onto bare metal, since this module
// never leaves userspace (SPEC_FULL.md §0).
//
// Real Biscuit's main never returns (it blocks forever on a nil channel
// receive once init(8) is running); this binary instead drives the
// scheduler/balancer tick loop until it receives SIGINT/SIGTERM, since a
// simulated system has no equivalent of "the machine stays powered on".
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcman/osfree/internal/balancer"
	"github.com/rcman/osfree/internal/boot"
	"github.com/rcman/osfree/internal/kconfig"
	"github.com/rcman/osfree/internal/klog"
)

func cpuCountFromEnv() int {
	const def = 4
	v := os.Getenv("OSFREE_CPUS")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func main() {
	log := klog.For("kernel")

	tuning, err := kconfig.Load(os.Getenv("OSFREE_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("loading tuning configuration")
	}

	cpus := cpuCountFromEnv()
	log.Info().Int("cpus", cpus).Msg("starting bring-up")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := boot.Build(ctx, boot.Config{CPUs: cpus, Tuning: tuning})
	if err != nil {
		log.Fatal().Err(err).Msg("bring-up failed")
	}
	log.Info().
		Ints("booted", h.Result.Booted).
		Ints("timed_out", h.Result.TimedOut).
		Msg("bring-up complete, handing control to scheduler")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	tickInterval := time.Second / time.Duration(tuning.TimerFrequencyHz)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			log.Info().Msg("shutdown requested, stopping every online CPU")
			for _, id := range h.Sched.OnlineCPUIDs() {
				if err := h.IPI.SendStop(id); err != nil {
					log.Warn().Err(err).Int("cpu", id).Msg("failed to send stop IPI")
				}
			}
			return
		case <-ticker.C:
			runTickWindow(log, h)
		}
	}
}

// runTickWindow advances every online CPU's scheduler tick once and, when
// more than one CPU is online and NeedBalance reports the flag Tick raises
// once per load-balance interval, runs a single balancer pass from the
// lowest-numbered online CPU, the periodic half of spec §4.H's balance();
// the timer ISR on real hardware would drive
// this per CPU independently, but one goroutine suffices for the simulated
// system.
func runTickWindow(log zerolog.Logger, h *boot.Harness) {
	ids := h.Sched.OnlineCPUIDs()
	for _, id := range ids {
		if err := h.Sched.Tick(id); err != nil {
			log.Warn().Err(err).Int("cpu", id).Msg("tick failed")
		}
	}
	if len(ids) > 1 && h.Sched.NeedBalance() {
		if _, err := balancer.Balance(h.Arch, h.Sched, h.Tuning, ids[0], h.Metrics); err != nil {
			log.Warn().Err(err).Msg("balance pass failed")
		}
	}
}
