package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"interpolapse/internal/pipeline"
	"interpolapse/internal/project"
	"interpolapse/internal/render"
	"interpolapse/internal/watch"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "interpolapse",
		Short: "interpolapse renders keyframed timelapse sequences",
		Long: `interpolapse blends a time-ordered set of photographs into an evenly spaced
frame sequence. Gamma, blur, auto-contrast and mask tracks are interpolated
between keyframes declared in a JSON or YAML project file.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(root.out)

	rootCmd.AddCommand(newRenderCmd(root))
	rootCmd.AddCommand(newInitCmd(root))
	rootCmd.AddCommand(newInspectCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newRenderCmd(root *Root) *cobra.Command {
	var (
		frames     int
		threads    int
		outDir     string
		watchFiles bool
	)

	cmd := &cobra.Command{
		Use:   "render <project>",
		Short: "Render a project into numbered frames",
		Long: `Render every frame of a project file into its output directory as
result-00000.<ext>, result-00001.<ext>, ...

With --watch the project is rendered again whenever the project file, one of
its images, masks or its curves file changes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if frames < 0 || threads < 0 {
				return fmt.Errorf("--frames and --threads must not be negative")
			}
			ctx := cmdContext(cmd)
			opts := pipeline.Options{Frames: frames, Threads: threads, OutDir: outDir}
			if !watchFiles {
				return root.render(ctx, args[0], opts)
			}
			return root.watchRender(ctx, args[0], opts)
		},
	}

	cmd.Flags().IntVarP(&frames, "frames", "n", 0, "number of frames to render (default: project noframes)")
	cmd.Flags().IntVarP(&threads, "threads", "t", 0, "frames rendered concurrently per batch (default: project nothreads)")
	cmd.Flags().StringVarP(&outDir, "outdir", "o", "", "output directory (default: project outdir)")
	cmd.Flags().BoolVarP(&watchFiles, "watch", "w", false, "re-render when the project or its inputs change")
	return cmd
}

func (r *Root) render(ctx context.Context, path string, opts pipeline.Options) error {
	job := pipeline.NewJob(pipeline.JobRender, path, opts)
	return r.runJob(ctx, job, r.printProgress)
}

// watchRender renders once, then again after every change until ctx ends.
func (r *Root) watchRender(ctx context.Context, path string, opts pipeline.Options) error {
	files, err := projectFiles(path)
	if err != nil {
		return err
	}
	if err := r.render(ctx, path, opts); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		r.log.Error("render failed, waiting for changes", "project", path, "error", err)
	}

	w, err := watch.New(files, time.Duration(r.cfg.Watch.DebounceMillis)*time.Millisecond, r.log)
	if err != nil {
		return err
	}
	err = w.Run(ctx, func(ctx context.Context) {
		r.log.Info("change detected, re-rendering", "project", path)
		if err := r.render(ctx, path, opts); err != nil && ctx.Err() == nil {
			r.log.Error("render failed, waiting for changes", "project", path, "error", err)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// projectFiles lists every file a render of path reads.
func projectFiles(path string) ([]string, error) {
	p, err := project.Load(path)
	if err != nil {
		return nil, err
	}
	files := []string{path}
	for _, img := range p.Images {
		files = append(files, img.Path)
		if img.Mask != "" {
			files = append(files, img.Mask)
		}
	}
	for _, m := range p.Masks {
		if m.Path != "" {
			files = append(files, m.Path)
		}
	}
	if p.CurvesPath != "" {
		files = append(files, p.CurvesPath)
	}
	return files, nil
}

func newInitCmd(root *Root) *cobra.Command {
	var (
		frames int
		outDir string
		asYAML bool
		output string
	)

	cmd := &cobra.Command{
		Use:   "init <pattern>",
		Short: "Generate a starter project from a set of images",
		Long: `Expand a glob pattern (or a directory), read each image's creation time from
its EXIF data and print a project file listing the images in time order with
empty correction tracks.

Examples:
  interpolapse init 'shots/*.jpg' > project.json
  interpolapse init shots/ --yaml --frames 240 -o project.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if frames < 1 {
				return fmt.Errorf("--frames must be at least 1")
			}
			if outDir == "" {
				outDir = root.cfg.Paths.DefaultOutput
			}
			opts := pipeline.Options{Frames: frames, OutDir: outDir, YAML: asYAML}
			if output != "" {
				job := pipeline.NewJob(pipeline.JobGenerate, args[0], opts)
				job.Output = output
				return root.runJob(cmdContext(cmd), job, root.printProgress)
			}
			f, err := root.deps.Generate(args[0], opts)
			if err != nil {
				return err
			}
			return project.Encode(root.out, f, asYAML)
		},
	}

	cmd.Flags().IntVarP(&frames, "frames", "n", pipeline.DefaultGenerateFrames, "noframes written into the project")
	cmd.Flags().StringVar(&outDir, "outdir", "", "outdir written into the project (default: paths.default_output)")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "emit YAML instead of JSON")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the project to this file instead of stdout")
	return cmd
}

func newInspectCmd(root *Root) *cobra.Command {
	var (
		at     []float64
		frames bool
	)

	cmd := &cobra.Command{
		Use:   "inspect <project>",
		Short: "Print a project's timeline and sampled parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tl, err := root.deps.Timeline(args[0], pipeline.Options{})
			if err != nil {
				return err
			}
			root.printf("%s", tl.Describe())

			times := at
			if frames {
				times = append(times, render.FrameTimes(tl.MinTime(), tl.MaxTime(), tl.Settings().Frames)...)
			}
			for _, t := range times {
				p := tl.Sample(t)
				mask := "none"
				if p.Mask1 != "" {
					mask = fmt.Sprintf("%s|%s %.3f", filepath.Base(p.Mask1), filepath.Base(p.Mask2), p.MaskFactor)
				}
				root.printf("t=%.3f [%d] %s -> %s %.3f gamma=(%.3f, %.3f, %.3f) blur=%.3f ac=%.3f mask=%s\n",
					p.Time, p.Index, filepath.Base(p.From), filepath.Base(p.To), p.Ratio,
					p.Gamma[0], p.Gamma[1], p.Gamma[2], p.Blur, p.AutoContrast, mask)
			}
			return nil
		},
	}

	cmd.Flags().Float64SliceVar(&at, "at", nil, "sample the parameters at these times (seconds)")
	cmd.Flags().BoolVar(&frames, "frames", false, "sample the parameters at every frame time")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the render service",
		Long: `Start an HTTP server accepting render runs and streaming their progress,
plus a gRPC health endpoint.

Routes:
  GET  /healthz            health status
  GET  /runs               recent runs
  POST /runs               submit {"project": "...", "frames": N, "threads": N}
  GET  /runs/{id}          one run with its summary
  GET  /runs/{id}/frames   per-frame outcomes
  GET  /stream[?run=id]    websocket of progress events`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server", "addr", addr, "grpc_addr", grpcAddr)
			return root.serveFn(cmdContext(cmd), addr, grpcAddr, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.HTTPAddr, "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC listen address (empty disables gRPC)")
	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [id]",
		Short: "List recent render runs or show one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("run database is not available")
			}
			if len(args) == 1 {
				return root.showRun(args[0])
			}
			return root.listRuns(limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	return cmd
}

func (r *Root) listRuns(limit int) error {
	runs, err := r.store.RecentRuns(limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tFRAMES\tPROJECT\tCREATED")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n", run.ID, run.Status, run.FramesWritten, run.FramesTotal,
			run.ProjectPath, humanize.Time(run.CreatedAt))
	}
	return tw.Flush()
}

func (r *Root) showRun(id string) error {
	run, err := r.store.Run(id)
	if err != nil {
		return err
	}
	r.printf("Run %s: %s\n", run.ID, run.Status)
	r.printf("Project: %s\n", run.ProjectPath)
	r.printf("Frames: %d written, %d skipped of %d (threads %d)\n", run.FramesWritten, run.FramesSkipped, run.FramesTotal, run.Threads)
	if run.StartedAt != nil && run.CompletedAt != nil {
		r.printf("Duration: %s\n", run.CompletedAt.Sub(*run.StartedAt))
	}
	if run.Error != "" {
		r.printf("Error: %s\n", run.Error)
	}
	frames, err := r.store.Frames(id)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if f.Status == string(render.StatusWritten) {
			continue
		}
		r.printf("  frame %05d t=%.3f %s: %s\n", f.Index, f.Time, f.Status, f.Error)
	}
	return nil
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialise the application configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return root.configInit(path, force)
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}
