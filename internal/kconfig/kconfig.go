// Package kconfig loads the scheduler-visible tuning constants of spec §6
// via viper, falling back to the spec-mandated compile-time defaults. IPI
// vectors are part of the kernel ABI and are validated to stay distinct
// even when overridden.
package kconfig

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/rcman/osfree/internal/kerr"
)

// Tuning holds every compile-time constant spec §6 lists "for test
// reproducibility".
type Tuning struct {
	NumClasses          int `mapstructure:"num_classes"`
	LevelsPerClass      int `mapstructure:"levels_per_class"`
	DefaultTimeSlice    int `mapstructure:"default_time_slice_ticks"`
	LoadBalanceInterval int `mapstructure:"load_balance_interval_ticks"`
	IdleBalanceInterval int `mapstructure:"idle_balance_interval_ticks"`
	ImbalanceThreshold  int `mapstructure:"imbalance_threshold"`
	CacheHotGuardNS     int64 `mapstructure:"cache_hot_guard_ns"`
	APStartupTimeoutMS  int   `mapstructure:"ap_startup_timeout_ms"`

	SpuriousVector   uint8 `mapstructure:"spurious_vector"`
	ErrorVector      uint8 `mapstructure:"error_vector"`
	TimerVector      uint8 `mapstructure:"timer_vector"`
	CrossCallVector  uint8 `mapstructure:"cross_call_vector"`
	TLBVector        uint8 `mapstructure:"tlb_vector"`
	RescheduleVector uint8 `mapstructure:"reschedule_vector"`
	StopVector       uint8 `mapstructure:"stop_vector"`

	APTrampolineAddress uintptr `mapstructure:"ap_trampoline_address"`
	MinKernelStackBytes int     `mapstructure:"min_kernel_stack_bytes"`

	TimerFrequencyHz int `mapstructure:"timer_frequency_hz"`
}

// Default returns the spec §6 compile-time defaults.
func Default() Tuning {
	return Tuning{
		NumClasses:          5,
		LevelsPerClass:      32,
		DefaultTimeSlice:    31,
		LoadBalanceInterval: 100,
		IdleBalanceInterval: 1,
		ImbalanceThreshold:  1,
		CacheHotGuardNS:     1_000_000,
		APStartupTimeoutMS:  1000,

		SpuriousVector:   0xFF,
		ErrorVector:      0xFE,
		TimerVector:      0xFD,
		CrossCallVector:  0xF9,
		TLBVector:        0xF8,
		RescheduleVector: 0xFA,
		StopVector:       0xF7,

		APTrampolineAddress: 0x8000,
		MinKernelStackBytes: 16 * 1024,

		TimerFrequencyHz: 100,
	}
}

// Load builds a viper instance seeded with Default(), optionally merging in
// a config file (YAML/JSON/TOML, any format viper supports) at path, and
// environment variables prefixed OSFREE_. An empty path loads only defaults
// and the environment.
func Load(path string) (Tuning, error) {
	v := viper.New()
	v.SetEnvPrefix("OSFREE")
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("num_classes", def.NumClasses)
	v.SetDefault("levels_per_class", def.LevelsPerClass)
	v.SetDefault("default_time_slice_ticks", def.DefaultTimeSlice)
	v.SetDefault("load_balance_interval_ticks", def.LoadBalanceInterval)
	v.SetDefault("idle_balance_interval_ticks", def.IdleBalanceInterval)
	v.SetDefault("imbalance_threshold", def.ImbalanceThreshold)
	v.SetDefault("cache_hot_guard_ns", def.CacheHotGuardNS)
	v.SetDefault("ap_startup_timeout_ms", def.APStartupTimeoutMS)
	v.SetDefault("spurious_vector", def.SpuriousVector)
	v.SetDefault("error_vector", def.ErrorVector)
	v.SetDefault("timer_vector", def.TimerVector)
	v.SetDefault("cross_call_vector", def.CrossCallVector)
	v.SetDefault("tlb_vector", def.TLBVector)
	v.SetDefault("reschedule_vector", def.RescheduleVector)
	v.SetDefault("stop_vector", def.StopVector)
	v.SetDefault("ap_trampoline_address", def.APTrampolineAddress)
	v.SetDefault("min_kernel_stack_bytes", def.MinKernelStackBytes)
	v.SetDefault("timer_frequency_hz", def.TimerFrequencyHz)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Tuning{}, kerr.Wrap(kerr.InvalidParameter, err, "read config "+path)
		}
	}

	var t Tuning
	if err := v.Unmarshal(&t); err != nil {
		return Tuning{}, kerr.Wrap(kerr.InvalidParameter, err, "unmarshal tuning")
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, err
	}
	return t, nil
}

// Validate checks the ABI invariant that the four fixed IPI vectors (plus
// the spurious/error/timer LVT vectors) remain pairwise distinct.
func (t Tuning) Validate() error {
	vecs := map[string]uint8{
		"spurious":   t.SpuriousVector,
		"error":      t.ErrorVector,
		"timer":      t.TimerVector,
		"cross_call": t.CrossCallVector,
		"tlb":        t.TLBVector,
		"reschedule": t.RescheduleVector,
		"stop":       t.StopVector,
	}
	seen := make(map[uint8]string, len(vecs))
	for name, v := range vecs {
		if other, dup := seen[v]; dup {
			return kerr.New(kerr.TopologyInconsistent,
				fmt.Sprintf("vector %#x assigned to both %q and %q", v, other, name))
		}
		seen[v] = name
	}
	if t.NumClasses <= 0 || t.LevelsPerClass <= 0 {
		return kerr.New(kerr.InvalidParameter, "num_classes and levels_per_class must be positive")
	}
	return nil
}
