// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/sraths91/atlas/pkg/monitor"
	"github.com/sraths91/atlas/pkg/util/log"
)

// Action states.
const (
	ActionQueued  = "queued"
	ActionRunning = "running"
	ActionDone    = "done"
	ActionFailed  = "failed"
)

// actionTTL bounds how long finished action results stay queryable.
const actionTTL = 15 * time.Minute

// ErrActionQueueFull is returned when the on-demand run queue is saturated.
var ErrActionQueueFull = errors.New("action queue full")

// ErrActionPoolStopped is returned once the pool has shut down.
var ErrActionPoolStopped = errors.New("action pool stopped")

// Action is the queryable record of one on-demand monitor run.
type Action struct {
	ID        string      `json:"action_id"`
	Monitor   string      `json:"monitor"`
	State     string      `json:"state"`
	StartedTS time.Time   `json:"started_ts"`
	EndedTS   *time.Time  `json:"ended_ts,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
}

type actionJob struct {
	id      string
	monitor string
	trigger monitor.Trigger
	params  map[string]interface{}
}

// actionPool runs on-demand monitor triggers on a bounded worker pool so a
// flood of POST /run requests cannot pile up goroutines. Idempotency keys
// map repeated requests to the same action id while the record lives.
type actionPool struct {
	jobs    chan actionJob
	results *gocache.Cache
	keys    *gocache.Cache

	// stateMu guards mutation of cached Action records and the
	// stopped flag that fences submit off from the channel close.
	stateMu sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newActionPool(workers int) *actionPool {
	if workers <= 0 {
		workers = 4
	}
	p := &actionPool{
		jobs:    make(chan actionJob, workers*4),
		results: gocache.New(actionTTL, actionTTL),
		keys:    gocache.New(actionTTL, actionTTL),
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

func (p *actionPool) stop() {
	p.cancel()
	p.stateMu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
	p.stateMu.Unlock()
	p.wg.Wait()
}

// submit enqueues a trigger run. A repeated idempotency key returns the
// original action id without queueing a second run.
func (p *actionPool) submit(name string, t monitor.Trigger, params map[string]interface{}, idempotencyKey string) (string, error) {
	if idempotencyKey != "" {
		if id, ok := p.keys.Get(idempotencyKey); ok {
			return id.(string), nil
		}
	}

	id := uuid.NewString()
	action := &Action{ID: id, Monitor: name, State: ActionQueued, StartedTS: time.Now().UTC()}
	p.results.Set(id, action, actionTTL)

	p.stateMu.Lock()
	if p.stopped {
		p.stateMu.Unlock()
		p.results.Delete(id)
		return "", ErrActionPoolStopped
	}
	queued := false
	select {
	case p.jobs <- actionJob{id: id, monitor: name, trigger: t, params: params}:
		queued = true
	default:
	}
	p.stateMu.Unlock()
	if !queued {
		p.results.Delete(id)
		return "", ErrActionQueueFull
	}

	if idempotencyKey != "" {
		p.keys.Set(idempotencyKey, id, actionTTL)
	}
	return id, nil
}

// get returns a copy of the action record for an id.
func (p *actionPool) get(id string) (Action, bool) {
	v, ok := p.results.Get(id)
	if !ok {
		return Action{}, false
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return *v.(*Action), true
}

func (p *actionPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.jobs {
		if ctx.Err() != nil {
			return
		}
		p.run(ctx, job)
	}
}

func (p *actionPool) run(ctx context.Context, job actionJob) {
	p.update(job.id, func(a *Action) { a.State = ActionRunning })

	result, err := job.trigger.TriggerRun(ctx, job.params)

	now := time.Now().UTC()
	p.update(job.id, func(a *Action) {
		a.EndedTS = &now
		if err != nil {
			a.State = ActionFailed
			a.Error = err.Error()
			return
		}
		a.State = ActionDone
		a.Result = result
	})
	if err != nil {
		log.Warnf("on-demand %s run failed: %v", job.monitor, err)
	}
}

func (p *actionPool) update(id string, fn func(*Action)) {
	v, ok := p.results.Get(id)
	if !ok {
		return
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	fn(v.(*Action))
}
