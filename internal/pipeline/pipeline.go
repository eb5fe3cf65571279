package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"interpolapse/internal/logging"
	"interpolapse/internal/render"
	"interpolapse/internal/storage"
)

// JobType enumerates supported job categories.
type JobType string

const (
	// JobRender renders a project file into numbered frames.
	JobRender JobType = "render"
	// JobGenerate writes a starter project file for a set of images.
	JobGenerate JobType = "generate"
)

// ErrQueueFull is returned by Submit when no worker can take the job.
var ErrQueueFull = errors.New("job queue is full")

// Job represents a single request.
type Job struct {
	ID   string  `json:"id"`
	Type JobType `json:"type"`
	// Input is the project file for render jobs and the image pattern for
	// generate jobs.
	Input string `json:"input"`
	// Output is the project file written by generate jobs.
	Output  string  `json:"output,omitempty"`
	Options Options `json:"options"`
}

// Options override project settings for one job. Zero means "as configured".
type Options struct {
	Frames  int    `json:"frames,omitempty"`
	Threads int    `json:"threads,omitempty"`
	OutDir  string `json:"outdir,omitempty"`
	YAML    bool   `json:"yaml,omitempty"`
}

// NewJob returns a job with a fresh ID.
func NewJob(t JobType, input string, opts Options) Job {
	return Job{ID: uuid.NewString(), Type: t, Input: input, Options: opts}
}

// Result captures the outcome of a Job.
type Result struct {
	Job     Job
	Summary render.Summary
	Error   error
	Meta    map[string]any
}

// EventKind tells subscribers what an Event carries.
type EventKind string

const (
	EventFrame EventKind = "frame"
	EventDone  EventKind = "done"
)

// FrameEvent is the wire form of one rendered frame.
type FrameEvent struct {
	Index      int     `json:"index"`
	Time       float64 `json:"time"`
	Path       string  `json:"path"`
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	DurationMS int64   `json:"duration_ms"`
}

// Event is broadcast to subscribers for every frame and once per finished job.
type Event struct {
	Kind  EventKind      `json:"kind"`
	JobID string         `json:"job_id"`
	Frame *FrameEvent    `json:"frame,omitempty"`
	Error string         `json:"error,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Processor executes a job, reporting progress through emit.
type Processor interface {
	Process(ctx context.Context, job Job, emit func(Event)) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

// New creates a Pipeline that runs jobs through the router built from deps.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, deps Deps) *Pipeline {
	deps.Store = store
	if deps.Log == nil {
		deps.Log = logger
	}
	return newPipeline(ctx, concurrency, logger, store, newRouter(deps))
}

func newPipeline(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Event),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		if err := p.store.RecordRunQueued(storage.RunRecord{
			ID:          job.ID,
			ProjectPath: job.Input,
			Status:      "queued",
			OptionsJSON: string(optsJSON),
		}); err != nil {
			p.log.Warn("record queued job", "job", job.ID, "error", err)
		}
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		if p.store != nil {
			_ = p.store.RecordRunResult(job.ID, "rejected", 0, 0, nil, ErrQueueFull.Error())
		}
		return ErrQueueFull
	}
}

// Run submits job and blocks until it finishes. onEvent, if set, receives
// every event of the job including the final one.
func (p *Pipeline) Run(ctx context.Context, job Job, onEvent func(Event)) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	events, unsub := p.Subscribe()
	defer unsub()
	if err := p.Submit(job); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("pipeline stopped")
			}
			if ev.JobID != job.ID {
				continue
			}
			if onEvent != nil {
				onEvent(ev)
			}
			if ev.Kind == EventDone {
				if ev.Error != "" {
					return errors.New(ev.Error)
				}
				return nil
			}
		}
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.log.Debug("job picked up", "worker", id, "job", job.ID, "type", job.Type)
			start := time.Now()
			res := p.processor.Process(ctx, job, p.broadcast)
			duration := time.Since(start)

			status := "completed"
			switch {
			case res.Summary.Canceled || IsCanceled(res.Error):
				status = "canceled"
			case res.Error != nil:
				status = "failed"
			}
			if res.Error != nil {
				logging.LogRunError(p.log, job.ID, duration, res.Error)
			} else if job.Type == JobRender {
				logging.LogRunComplete(p.log, job.ID, duration, res.Summary.Written, res.Summary.Skipped, res.Summary.PeakRSS)
			}
			if p.store != nil {
				if err := p.store.RecordRunResult(job.ID, status, res.Summary.Written, res.Summary.Skipped, res.Meta, errString(res.Error)); err != nil {
					p.log.Warn("record job result", "job", job.ID, "error", err)
				}
			}

			p.broadcast(Event{Kind: EventDone, JobID: job.ID, Error: errString(res.Error), Meta: res.Meta})
		}
	}
}

// Subscribe returns a channel for receiving events and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Event, 64)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// broadcast drops frame events for slow subscribers. Done events wait up to a
// second so Run callers see the end of their job.
func (p *Pipeline) broadcast(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		if ev.Kind != EventDone {
			p.log.Warn("event channel full", "subscriber", id, "job", ev.JobID)
			continue
		}
		select {
		case ch <- ev:
		case <-time.After(time.Second):
			p.log.Warn("dropped done event", "subscriber", id, "job", ev.JobID)
		}
	}
}
