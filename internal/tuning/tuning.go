// Package tuning loads the streaming knobs from YAML.
package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tilestream.ai/internal/core"
	"tilestream.ai/internal/planner"
	"tilestream.ai/internal/streaming"
	"tilestream.ai/internal/visibility"
)

type Tuning struct {
	TickRateHz int `yaml:"tick_rate_hz"`

	MaxTilesPerSequence int     `yaml:"max_tiles_per_sequence"`
	HysteresisFrames    uint64  `yaml:"hysteresis_frames"`
	DistanceEpsilon     float32 `yaml:"distance_epsilon"`
	FootprintEpsilon    float32 `yaml:"footprint_epsilon"`

	PriorityDistanceWeight float32 `yaml:"priority_distance_weight"`

	MaxRetries              int    `yaml:"max_retries"`
	RetryWindowFrames       uint64 `yaml:"retry_window_frames"`
	FetchDeadlineFrames     uint64 `yaml:"fetch_deadline_frames"`
	CompletionQueueCapacity int    `yaml:"completion_queue_capacity"`
	CommandBufferCapacity   int    `yaml:"command_buffer_capacity"`

	FetchBudgetBytes  int64  `yaml:"fetch_budget_bytes"`
	EvictBudget       int    `yaml:"evict_budget"`
	MaxResidentBytes  int64  `yaml:"max_resident_bytes"`
	AbsentPruneFrames uint64 `yaml:"absent_prune_frames"`
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz:              60,
		MaxTilesPerSequence:     4096,
		HysteresisFrames:        4,
		DistanceEpsilon:         1e-3,
		FootprintEpsilon:        1e-6,
		MaxRetries:              3,
		RetryWindowFrames:       1800,
		FetchDeadlineFrames:     240,
		CompletionQueueCapacity: 1024,
		CommandBufferCapacity:   256,
		FetchBudgetBytes:        64 << 20,
		EvictBudget:             64,
		MaxResidentBytes:        1 << 30,
		AbsentPruneFrames:       600,
	}
}

// Load reads path over Defaults, so a file only lists what it changes.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

func (t Tuning) Validate() error {
	switch {
	case t.TickRateHz <= 0 || t.TickRateHz > 1000:
		return fmt.Errorf("tick_rate_hz %d out of range", t.TickRateHz)
	case t.MaxTilesPerSequence <= 0:
		return fmt.Errorf("max_tiles_per_sequence must be positive")
	case t.MaxRetries <= 0:
		return fmt.Errorf("max_retries must be positive")
	case t.RetryWindowFrames == 0:
		return fmt.Errorf("retry_window_frames must be positive")
	case t.FetchDeadlineFrames == 0:
		return fmt.Errorf("fetch_deadline_frames must be positive")
	case t.CompletionQueueCapacity <= 0:
		return fmt.Errorf("completion_queue_capacity must be positive")
	case t.CommandBufferCapacity <= 0:
		return fmt.Errorf("command_buffer_capacity must be positive")
	case t.FetchBudgetBytes <= 0:
		return fmt.Errorf("fetch_budget_bytes must be positive")
	case t.EvictBudget < 0:
		return fmt.Errorf("evict_budget must not be negative")
	case t.MaxResidentBytes < 0:
		return fmt.Errorf("max_resident_bytes must not be negative")
	case t.DistanceEpsilon <= 0 || t.FootprintEpsilon <= 0:
		return fmt.Errorf("epsilons must be positive")
	case t.PriorityDistanceWeight < 0:
		return fmt.Errorf("priority_distance_weight must not be negative")
	}
	return nil
}

// CoreConfig maps the file onto the core's knobs.
func (t Tuning) CoreConfig() core.Config {
	return core.Config{
		Visibility: visibility.Config{
			MaxTilesPerSequence: t.MaxTilesPerSequence,
			HysteresisFrames:    t.HysteresisFrames,
			DistanceEpsilon:     t.DistanceEpsilon,
			FootprintEpsilon:    t.FootprintEpsilon,
		},
		Planner: planner.Config{DistanceWeight: t.PriorityDistanceWeight},
		Streaming: streaming.Config{
			MaxRetries:              t.MaxRetries,
			RetryWindowFrames:       t.RetryWindowFrames,
			FetchDeadlineFrames:     t.FetchDeadlineFrames,
			CompletionQueueCapacity: t.CompletionQueueCapacity,
			MaxResidentBytes:        t.MaxResidentBytes,
		},
		AbsentPruneFrames: t.AbsentPruneFrames,
	}
}

func (t Tuning) Budget() core.Budget {
	return core.Budget{FetchBytes: t.FetchBudgetBytes, EvictCount: t.EvictBudget}
}

func (t Tuning) ExecutorConfig() core.ExecutorConfig {
	return core.ExecutorConfig{
		TickRateHz:      t.TickRateHz,
		CommandCapacity: t.CommandBufferCapacity,
		Budget:          t.Budget(),
	}
}
