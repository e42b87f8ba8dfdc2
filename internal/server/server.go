package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/amanullahtanweer/segment-transcriber/internal/metrics"
	"github.com/amanullahtanweer/segment-transcriber/internal/pipeline"
	"github.com/amanullahtanweer/segment-transcriber/internal/queue"
	"github.com/amanullahtanweer/segment-transcriber/internal/segment"
	"github.com/gorilla/mux"
)

const (
	defaultListLimit = 200
	maxListLimit     = 1000

	// multipart parts beyond this spill to temp files
	multipartMemory = 8 << 20

	msgReceived    = "Speech segment received successfully"
	msgIngestError = "An error occurred while processing speech segment."
	msgInvalid     = "The audio field must be a wav, mp3, ogg or webm file."
	msgNotFound    = "Transcription not found."
)

type Config struct {
	Addr            string
	MaxUploadBytes  int64
	RateLimitWindow time.Duration
}

// Resubmitter queues a Failed job for another attempt
type Resubmitter interface {
	Resubmit(ctx context.Context, id int64) error
}

// Deps are the collaborators behind the HTTP routes. Hub, Resubmitter and
// Metrics may be nil; their routes then answer 404.
type Deps struct {
	Ingestor    *pipeline.Ingestor
	Store       segment.Store
	Limiter     Limiter
	Hub         http.Handler
	Resubmitter Resubmitter
	Metrics     *metrics.PipelineMetrics
}

type Server struct {
	config     Config
	deps       Deps
	router     *mux.Router
	httpServer *http.Server
}

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ID      int64  `json:"id,omitempty"`
}

type jobView struct {
	ID            int64          `json:"id"`
	FilePath      string         `json:"file_path"`
	Transcription *string        `json:"transcription"`
	Status        segment.Status `json:"status"`
	StatusLabel   string         `json:"status_label"`
	Attempts      int            `json:"attempts"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func New(config Config, deps Deps) *Server {
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = pipeline.DefaultMaxUploadBytes
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = time.Minute
	}

	s := &Server{
		config: config,
		deps:   deps,
		router: mux.NewRouter(),
	}

	var upload http.Handler = http.HandlerFunc(s.handleSpeechSegment)
	if deps.Limiter != nil {
		upload = rateLimited(upload, deps.Limiter, config.RateLimitWindow)
	}

	s.router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	s.router.Handle("/speech-segments", upload).Methods(http.MethodPost)
	s.router.HandleFunc("/speech-segments/{id:[0-9]+}", s.handleShow).Methods(http.MethodGet)
	if deps.Resubmitter != nil {
		s.router.HandleFunc("/speech-segments/{id:[0-9]+}/retry", s.handleRetry).Methods(http.MethodPost)
	}
	if deps.Hub != nil {
		s.router.Handle("/ws", deps.Hub).Methods(http.MethodGet)
	}
	if deps.Metrics != nil {
		s.router.HandleFunc("/debug/metrics", s.handleMetrics).Methods(http.MethodGet)
	}

	s.httpServer = &http.Server{
		Addr:              config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called
func (s *Server) Start() error {
	log.Printf("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return nil
}

// Stop lets in-flight requests finish until ctx expires
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleSpeechSegment(w http.ResponseWriter, r *http.Request) {
	// Allow room for the multipart envelope around the file
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		log.Printf("Speech segment: bad multipart body: %v", err)
		writeJSON(w, http.StatusUnprocessableEntity, response{Message: msgInvalid})
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, response{Message: "The audio field is required."})
		return
	}
	defer file.Close()

	id, err := s.deps.Ingestor.Ingest(r.Context(), pipeline.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
	})
	switch {
	case errors.Is(err, pipeline.ErrValidation):
		log.Printf("Speech segment rejected: %v", err)
		writeJSON(w, http.StatusUnprocessableEntity, response{Message: msgInvalid})
	case err != nil:
		log.Printf("Speech segment: %v", err)
		writeJSON(w, http.StatusInternalServerError, response{Message: msgIngestError})
	default:
		writeJSON(w, http.StatusOK, response{Success: true, Message: msgReceived, ID: id})
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, response{Message: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	var (
		jobs []*segment.Job
		err  error
	)
	if v := r.URL.Query().Get("status"); v != "" {
		status, perr := segment.ParseStatus(v)
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, response{Message: "status must be one of P, I, S or F"})
			return
		}
		var after int64
		if a := r.URL.Query().Get("after"); a != "" {
			if after, perr = strconv.ParseInt(a, 10, 64); perr != nil || after < 0 {
				writeJSON(w, http.StatusBadRequest, response{Message: "after must be a job id"})
				return
			}
		}
		// Filtered pages run oldest first so after can resume them
		jobs, err = s.deps.Store.ListByStatus(r.Context(), status, after, limit)
	} else {
		jobs, err = s.deps.Store.List(r.Context(), limit)
	}
	if err != nil {
		log.Printf("List transcriptions: %v", err)
		writeJSON(w, http.StatusInternalServerError, response{Message: "An error occurred while loading transcriptions."})
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewOf(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transcriptions": views})
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.deps.Store.Get(r.Context(), id)
	switch {
	case errors.Is(err, segment.ErrNotFound):
		writeJSON(w, http.StatusNotFound, response{Message: msgNotFound})
	case err != nil:
		log.Printf("Job %d: load failed: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, response{Message: "An error occurred while loading the transcription."})
	default:
		writeJSON(w, http.StatusOK, viewOf(job))
	}
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	err := s.deps.Resubmitter.Resubmit(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, response{Success: true, Message: "Transcription queued for retry", ID: id})
	case errors.Is(err, segment.ErrNotFound):
		writeJSON(w, http.StatusNotFound, response{Message: msgNotFound})
	case errors.Is(err, segment.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, response{Message: "Only failed transcriptions can be retried.", ID: id})
	case errors.Is(err, queue.ErrDuplicate):
		writeJSON(w, http.StatusConflict, response{Message: "A retry is already queued.", ID: id})
	default:
		log.Printf("Job %d: retry failed: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, response{Message: "An error occurred while queueing the retry."})
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, s.deps.Metrics.Summary())
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusNotFound, response{Message: msgNotFound})
		return 0, false
	}
	return id, true
}

func viewOf(job *segment.Job) jobView {
	return jobView{
		ID:            job.ID,
		FilePath:      job.FilePath,
		Transcription: job.Transcription,
		Status:        job.Status,
		StatusLabel:   job.Status.Label(),
		Attempts:      job.Attempts,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Write response: %v", err)
	}
}
