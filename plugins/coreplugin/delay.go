package coreplugin

import (
	"context"
	"fmt"
	"time"

	"github.com/petal-labs/grimoire/core"
)

type delayConfig struct {
	Duration time.Duration `config:"duration"`
}

// delayNode commits its flow output once the configured duration elapsed.
// The current event stays in AWAIT meanwhile.
type delayNode struct {
	duration time.Duration
}

func (n *delayNode) TriggerAsync(core.NodeContext, string) (core.AsyncWork, error) {
	d := n.duration
	return func(ctx context.Context) (func(core.NodeContext) error, error) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return func(nc core.NodeContext) error {
			nc.Commit("flow")
			return nil
		}, nil
	}, nil
}

func delayDefinition() core.NodeDefinition {
	return core.NodeDefinition{
		TypeName: "time/delay",
		Category: core.NodeCategoryTime,
		Label:    "Delay",
		In:       []core.Socket{flowIn},
		Out:      []core.Socket{flowOut},
		New: func(raw map[string]any) (core.Node, error) {
			cfg := delayConfig{Duration: time.Second}
			if err := core.DecodeConfig(raw, &cfg); err != nil {
				return nil, err
			}
			if cfg.Duration < 0 {
				return nil, fmt.Errorf("delay duration must not be negative, got %s", cfg.Duration)
			}
			return &delayNode{duration: cfg.Duration}, nil
		},
	}
}
