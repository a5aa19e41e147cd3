package agent

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/petal-labs/grimoire/bus"
	"github.com/petal-labs/grimoire/plugins/coreplugin"
	"github.com/petal-labs/grimoire/queue"
	"github.com/petal-labs/grimoire/runtime"
)

// popRetryDelay is the pause after a failed Pop.
const popRetryDelay = 250 * time.Millisecond

// work consumes jobs one at a time until the agent stops.
func (a *Agent) work() {
	defer close(a.workerDone)
	for {
		job, err := a.cfg.Queue.Pop(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			a.cfg.Logger.Warn("popping job failed", "err", err)
			select {
			case <-a.ctx.Done():
				return
			case <-time.After(popRetryDelay):
			}
			continue
		}
		a.HandleJob(a.ctx, job)
	}
}

// HandleJob runs one job and publishes its result on the run:result topic,
// or its failure on run:error. Jobs addressed to another agent are dropped.
func (a *Agent) HandleJob(ctx context.Context, job queue.Job) {
	if job.AgentID != a.cfg.ID {
		a.cfg.Logger.Debug("ignoring job for another agent", "job_id", job.ID, "target", job.AgentID)
		if a.cfg.Observer != nil {
			a.cfg.Observer.JobIgnored(a.cfg.ID)
		}
		return
	}

	began := time.Now()
	spellID := job.SpellID
	if spellID == "" {
		spellID = a.cfg.RootSpellID
	}
	out, err := a.runJob(ctx, spellID, job)
	if a.cfg.Observer != nil {
		a.cfg.Observer.JobCompleted(a.cfg.ID, spellID, err, time.Since(began))
	}

	original := jobFields(job)
	if err != nil {
		a.cfg.Logger.Warn("job failed", "job_id", job.ID, "spell_id", spellID, "err", err)
		payload := map[string]any{
			"jobId":        job.ID,
			"spellId":      spellID,
			"originalData": original,
			"error":        err.Error(),
		}
		if out.EventID != "" {
			payload["eventId"] = out.EventID
		}
		if perr := a.PublishEvent(ctx, bus.RunErrorTopic(a.cfg.ID), payload); perr != nil {
			a.cfg.Logger.Error("publishing run error", "job_id", job.ID, "err", perr)
		}
		return
	}

	if perr := a.PublishEvent(ctx, bus.RunResultTopic(a.cfg.ID), map[string]any{
		"jobId":        job.ID,
		"spellId":      spellID,
		"eventId":      out.EventID,
		"originalData": original,
		"result":       out.Outputs,
		"elapsedMs":    out.Elapsed.Milliseconds(),
	}); perr != nil {
		a.cfg.Logger.Error("publishing run result", "job_id", job.ID, "err", perr)
	}
}

func (a *Agent) runJob(ctx context.Context, spellID string, job queue.Job) (runtime.Outcome, error) {
	s, err := a.schedulerFor(ctx, spellID, job.RunSubspell)
	if err != nil {
		return runtime.Outcome{}, err
	}

	// Agent-scoped secrets and public variables win over job values.
	secrets := maps.Clone(job.Secrets)
	if secrets == nil {
		secrets = make(map[string]string, len(a.cfg.Secrets))
	}
	maps.Copy(secrets, a.cfg.Secrets)
	vars := maps.Clone(job.PublicVariables)
	if vars == nil {
		vars = make(map[string]any, len(a.cfg.PublicVariables))
	}
	maps.Copy(vars, a.cfg.PublicVariables)

	channel, _ := job.Inputs["channel"].(string)
	stateKey, _ := job.Inputs["stateKey"].(string)
	return s.Run(ctx, runtime.RunRequest{
		Dependency:      coreplugin.EmitterKey,
		EventName:       coreplugin.MessageReceived,
		ComponentName:   job.ComponentName,
		Inputs:          job.Inputs,
		Secrets:         secrets,
		PublicVariables: vars,
		Channel:         channel,
		StateKey:        stateKey,
	})
}

// schedulerFor returns the scheduler of spellID, loading the spell from the
// spell store first when load is set.
func (a *Agent) schedulerFor(ctx context.Context, spellID string, load bool) (*runtime.Scheduler, error) {
	if spellID == "" {
		return nil, fmt.Errorf("%w: no spell id and no root spell", ErrSpellNotLoaded)
	}
	if s, ok := a.Scheduler(spellID); ok {
		return s, nil
	}
	if !load {
		return nil, fmt.Errorf("%w: %s", ErrSpellNotLoaded, spellID)
	}
	spell, err := a.cfg.Spells.Get(ctx, spellID)
	if err != nil {
		return nil, err
	}
	if err := a.LoadSpell(ctx, spell); err != nil {
		return nil, err
	}
	s, ok := a.Scheduler(spellID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSpellNotLoaded, spellID)
	}
	return s, nil
}

func jobFields(job queue.Job) map[string]any {
	return map[string]any{
		"id":              job.ID,
		"agentId":         job.AgentID,
		"spellId":         job.SpellID,
		"componentName":   job.ComponentName,
		"inputs":          maps.Clone(job.Inputs),
		"publicVariables": maps.Clone(job.PublicVariables),
		"runSubspell":     job.RunSubspell,
	}
}
