package orchestrator

import (
	"context"

	"github.com/valpere/croissant/internal/prompt"
)

const eventBuffer = 64

// Job is a translation running in the background. Events must be drained
// until closed; the terminal value is then available from Wait.
type Job struct {
	events chan Event
	done   chan struct{}
	result *OrchestratorResult
	err    error
}

// Start launches a job and returns immediately. It fails with ErrBusy when a
// job is already running.
func (o *Orchestrator) Start(ctx context.Context, text string, dir prompt.Direction) (*Job, error) {
	running, ok := o.acquire()
	if !ok {
		return nil, ErrBusy
	}

	j := &Job{
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(j.done)
		defer close(j.events)
		defer o.release()

		j.result, j.err = o.run(ctx, running, text, dir, func(e Event) {
			j.events <- e
		})
	}()

	return j, nil
}

// Events yields partial outputs in arrival order and is closed when the job
// ends.
func (j *Job) Events() <-chan Event {
	return j.events
}

// Wait discards any unread events and returns the terminal result.
func (j *Job) Wait() (*OrchestratorResult, error) {
	for range j.events {
	}
	<-j.done
	return j.result, j.err
}

// Done is closed once the result is available.
func (j *Job) Done() <-chan struct{} {
	return j.done
}
