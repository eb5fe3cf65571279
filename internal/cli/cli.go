package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"interpolapse/internal/config"
	"interpolapse/internal/pipeline"
	"interpolapse/internal/server"
	"interpolapse/internal/storage"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Event, func())
	Run(ctx context.Context, job pipeline.Job, onEvent func(pipeline.Event)) error
}

type serverFunc func(ctx context.Context, addr, grpcAddr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

func defaultServe(ctx context.Context, addr, grpcAddr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	if store == nil {
		return errors.New("serve needs the run database")
	}
	return server.NewServer(addr, grpcAddr, store, pipe, log).Start(ctx)
}

// Root carries the shared state of every command.
type Root struct {
	pipeline pipelineClient
	deps     pipeline.Deps
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	out      io.Writer
}

// NewRoot wires the commands to a running pipeline and its collaborators.
func NewRoot(pl *pipeline.Pipeline, deps pipeline.Deps, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		deps:     deps,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
		out:      os.Stdout,
	}
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

// runJob runs job through the pipeline and blocks until it finishes, passing
// every event of the job to onEvent when set.
func (r *Root) runJob(ctx context.Context, job pipeline.Job, onEvent func(pipeline.Event)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.Input)
	return r.pipeline.Run(ctx, job, onEvent)
}

// printProgress writes one line per frame and a closing summary.
func (r *Root) printProgress(ev pipeline.Event) {
	switch ev.Kind {
	case pipeline.EventFrame:
		f := ev.Frame
		if f == nil {
			return
		}
		line := fmt.Sprintf("frame %05d t=%.3f %s %s (%dms)", f.Index, f.Time, f.Status, f.Path, f.DurationMS)
		if f.Error != "" {
			line += ": " + f.Error
		}
		r.printf("%s\n", line)
	case pipeline.EventDone:
		if ev.Error != "" {
			return
		}
		if summary, ok := ev.Meta["summary"].(string); ok {
			r.printf("done: %s\n", summary)
		} else if written, ok := ev.Meta["written"]; ok {
			r.printf("done: %v written, %v skipped in %vms\n", written, ev.Meta["skipped"], ev.Meta["elapsed_ms"])
		} else if out, ok := ev.Meta["output"]; ok {
			r.printf("wrote %v (%v images)\n", out, ev.Meta["images"])
		}
	}
}
