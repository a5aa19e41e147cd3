// Package queue carries run jobs to agents.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned by queue operations after Close.
var ErrClosed = errors.New("queue closed")

// Job asks an agent to run one of its spells.
type Job struct {
	ID              string            `json:"id"`
	AgentID         string            `json:"agentId"`
	SpellID         string            `json:"spellId,omitempty"`
	ComponentName   string            `json:"componentName,omitempty"`
	Inputs          map[string]any    `json:"inputs,omitempty"`
	Secrets         map[string]string `json:"secrets,omitempty"`
	PublicVariables map[string]any    `json:"publicVariables,omitempty"`
	RunSubspell     bool              `json:"runSubspell,omitempty"`
}

// NewJob returns a job for agentID with a fresh ID.
func NewJob(agentID string) Job {
	return Job{ID: uuid.NewString(), AgentID: agentID}
}

// Queue is a FIFO of jobs shared by producers and agent workers.
type Queue interface {
	Push(ctx context.Context, job Job) error
	// Pop blocks until a job is available or ctx is done.
	Pop(ctx context.Context) (Job, error)
	Close() error
}

// MemQueue is an in-process Queue.
type MemQueue struct {
	mu     sync.Mutex
	jobs   []Job
	notify chan struct{}
	closed chan struct{}
	once   sync.Once
}

// NewMemQueue returns an empty in-process queue.
func NewMemQueue() *MemQueue {
	return &MemQueue{
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (q *MemQueue) Push(_ context.Context, job Job) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemQueue) Pop(ctx context.Context) (Job, error) {
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			more := len(q.jobs) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-q.closed:
			return Job{}, ErrClosed
		case <-q.notify:
		}
	}
}

// Len returns the number of waiting jobs.
func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *MemQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}
