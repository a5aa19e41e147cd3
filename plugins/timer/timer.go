// Package timer provides cron-driven event nodes.
package timer

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/grimoire/core"
	"github.com/petal-labs/grimoire/registry"
)

// EmitterKey is the emitter scheduled events are delivered on.
const EmitterKey = "ITimerEmitter"

// scheduleParser accepts five-field expressions and descriptors such as
// "@hourly" or "@every 30s".
var scheduleParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSchedule parses a UTC cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("schedule is required")
	}
	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("schedule must be UTC-only (timezone prefixes are not allowed)")
	}
	schedule, err := scheduleParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}
	return schedule, nil
}

// Plugin contributes timer/onSchedule.
type Plugin struct{}

// New returns the timer plugin.
func New() *Plugin {
	return &Plugin{}
}

var _ registry.Provider = (*Plugin)(nil)

func (*Plugin) Name() string { return "timer" }

func (p *Plugin) Contribute() registry.Partial {
	return registry.Partial{
		Name:  p.Name(),
		Nodes: []core.NodeDefinition{onScheduleDefinition()},
		Dependencies: []registry.Dependency{
			{Key: EmitterKey, Capability: registry.CapabilityEmitter, Value: registry.NewEmitter()},
		},
	}
}

type scheduleConfig struct {
	Schedule string `config:"schedule"`
}

// onScheduleNode dispatches an envelope through the scheduler each time its
// schedule fires and commits its flow once the envelope is installed.
type onScheduleNode struct {
	schedule cron.Schedule
	cron     *cron.Cron
	off      func()
}

func eventName(nodeID string) string {
	return "schedule:" + nodeID
}

func (n *onScheduleNode) Init(nc core.NodeContext) error {
	em, ok := core.Dependency[registry.Emitter](nc, EmitterKey)
	if !ok {
		return fmt.Errorf("emitter %q not available", EmitterKey)
	}
	name := eventName(nc.NodeID())
	n.off = em.On(name, func(env core.Envelope) {
		nc.Write("firedAt", env.CreatedAt.Format(time.RFC3339Nano))
		nc.Commit("flow")
	})

	logger := nc.Logger()
	n.cron = cron.New(cron.WithLocation(time.UTC))
	n.cron.Schedule(n.schedule, cron.FuncJob(func() {
		env := core.NewEnvelope("timer", "")
		env.Data["nodeId"] = nc.NodeID()
		if err := nc.Dispatch(EmitterKey, name, env); err != nil {
			logger.Warn("dropping scheduled event", "err", err)
		}
	}))
	n.cron.Start()
	return nil
}

func (n *onScheduleNode) Dispose(core.NodeContext) {
	if n.cron != nil {
		<-n.cron.Stop().Done()
		n.cron = nil
	}
	if n.off != nil {
		n.off()
		n.off = nil
	}
}

func onScheduleDefinition() core.NodeDefinition {
	return core.NodeDefinition{
		TypeName: "timer/onSchedule",
		Category: core.NodeCategoryEvent,
		Label:    "On Schedule",
		Out: []core.Socket{
			{Name: "flow", ValueType: core.FlowValueType},
			{Name: "firedAt", ValueType: "string"},
		},
		New: func(raw map[string]any) (core.Node, error) {
			var cfg scheduleConfig
			if err := core.DecodeConfig(raw, &cfg); err != nil {
				return nil, err
			}
			schedule, err := ParseSchedule(cfg.Schedule)
			if err != nil {
				return nil, err
			}
			return &onScheduleNode{schedule: schedule}, nil
		},
	}
}
