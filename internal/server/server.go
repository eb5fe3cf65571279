package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"interpolapse/internal/pipeline"
	"interpolapse/internal/storage"
)

// RunStore is the read side of the run database.
type RunStore interface {
	RecentRuns(limit int) ([]storage.RunRecord, error)
	Run(id string) (storage.RunRecord, error)
	RunSummary(id string) (map[string]any, error)
	Frames(runID string) ([]storage.FrameRecord, error)
}

// Queue accepts jobs and publishes their progress.
type Queue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Event, func())
}

// Server exposes render runs over HTTP and health over gRPC.
type Server struct {
	addr     string
	grpcAddr string
	store    RunStore
	queue    Queue
	health   *health.Server
	upgrader websocket.Upgrader
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server. grpcAddr may be empty to skip the gRPC listener.
func NewServer(addr, grpcAddr string, store RunStore, queue Queue, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &Server{
		addr:     addr,
		grpcAddr: grpcAddr,
		store:    store,
		queue:    queue,
		health:   hs,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/runs/{id}/frames", s.handleFrames).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
}

// Start serves HTTP (and gRPC when configured) until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("http server starting", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.grpcAddr != "" {
		g.Go(func() error { return s.serveGRPC(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutting down server")
		s.health.Shutdown()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctxShutdown)
	})
	return g.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := s.health.Check(r.Context(), &healthpb.HealthCheckRequest{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	payload, err := protojson.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	code := http.StatusOK
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(payload)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type submitRequest struct {
	Project string `json:"project"`
	Frames  int    `json:"frames"`
	Threads int    `json:"threads"`
	OutDir  string `json:"outdir"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Project == "" {
		http.Error(w, "project is required", http.StatusBadRequest)
		return
	}
	if req.Frames < 0 || req.Threads < 0 {
		http.Error(w, "frames and threads must not be negative", http.StatusBadRequest)
		return
	}
	job := pipeline.NewJob(pipeline.JobRender, req.Project, pipeline.Options{
		Frames:  req.Frames,
		Threads: req.Threads,
		OutDir:  req.OutDir,
	})
	if err := s.queue.Submit(job); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) {
			code = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), code)
		return
	}
	s.log.Info("run submitted", "id", job.ID, "project", req.Project)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

type runResponse struct {
	storage.RunRecord
	Summary map[string]any `json:"summary,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Run(id)
	if err != nil {
		storeError(w, err)
		return
	}
	summary, err := s.store.RunSummary(id)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{RunRecord: rec, Summary: summary})
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.Run(id); err != nil {
		storeError(w, err)
		return
	}
	frames, err := s.store.Frames(id)
	if err != nil {
		storeError(w, err)
		return
	}
	if frames == nil {
		frames = []storage.FrameRecord{}
	}
	writeJSON(w, http.StatusOK, frames)
}

// handleStream upgrades to a websocket and forwards pipeline events, filtered
// to one run when ?run= is given.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	runID := r.URL.Query().Get("run")
	events, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()

	// Drain client frames so close messages are noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
				return
			}
			if runID != "" && ev.JobID != runID {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
