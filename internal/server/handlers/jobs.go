package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/gosqueeze/pkg/jobregistry"
	"github.com/3leaps/gosqueeze/pkg/observe"
	"github.com/3leaps/gosqueeze/pkg/runner"
)

const (
	maxSubmitBody     = 1 << 20
	defaultListLimit  = 100
	eventKeepAlive    = 15 * time.Second
	eventPoll         = time.Second
	eventStatus       = "status"
	headerContentType = "Content-Type"
)

// JobService is the runner surface the job routes need. *runner.Runner
// satisfies it.
type JobService interface {
	Submit(ctx context.Context, req jobregistry.Request, opts ...runner.SubmitOption) (string, error)
	Status(ctx context.Context, jobID string) (jobregistry.Status, error)
	Cancel(ctx context.Context, jobID string) (*jobregistry.JobRecord, error)
	Subscribe(ctx context.Context, jobID string) (*observe.Subscription, error)
	Follow(ctx context.Context, jobID string, interval time.Duration) (jobregistry.Status, error)
	Store() jobregistry.Store
}

// SubmitRequest is the POST /jobs body. Ceiling, when set, is a human size
// ("20KiB") and takes precedence over CeilingBytes.
type SubmitRequest struct {
	Source       string `json:"source"`
	CeilingBytes *int64 `json:"ceiling_bytes,omitempty"`
	Ceiling      string `json:"ceiling,omitempty"`
	Name         string `json:"name,omitempty"`
}

// JobList is the GET /jobs body.
type JobList struct {
	Jobs  []jobregistry.JobRecord `json:"jobs"`
	Count int                     `json:"count"`
}

// Jobs serves the /jobs routes.
type Jobs struct {
	svc       JobService
	logger    *zap.Logger
	onSubmit  func()
	keepAlive time.Duration
	poll      time.Duration
}

// NewJobs builds the job handlers. onSubmit, if non-nil, runs after every
// accepted submission.
func NewJobs(svc JobService, logger *zap.Logger, onSubmit func()) *Jobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jobs{svc: svc, logger: logger, onSubmit: onSubmit, keepAlive: eventKeepAlive, poll: eventPoll}
}

// Routes mounts the job routes on r.
func (h *Jobs) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Submit)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Cancel)
	r.Get("/{id}/events", h.Events)
}

func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseStates(r.URL.Query().Get("state"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondWithError(w, r, badRequest(fmt.Sprintf("invalid limit %q", raw)))
			return
		}
		limit = n
	}

	jobs, err := h.svc.Store().List(r.Context(), filter)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	if jobs == nil {
		jobs = []jobregistry.JobRecord{}
	}
	writeJSON(w, http.StatusOK, JobList{Jobs: jobs, Count: len(jobs)})
}

func (h *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxSubmitBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		respondWithError(w, r, badRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}

	req := jobregistry.Request{Source: body.Source}
	switch {
	case strings.TrimSpace(body.Ceiling) != "":
		n, err := humanize.ParseBytes(body.Ceiling)
		if err != nil {
			respondWithError(w, r, badRequest(fmt.Sprintf("invalid ceiling %q", body.Ceiling)))
			return
		}
		req.CeilingBytes = int64(n)
	case body.CeilingBytes != nil:
		req.CeilingBytes = *body.CeilingBytes
	default:
		respondWithError(w, r, badRequest("ceiling_bytes is required"))
		return
	}

	id, err := h.svc.Submit(r.Context(), req, runner.WithName(body.Name))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if h.onSubmit != nil {
		h.onSubmit()
	}

	st, err := h.svc.Status(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	w.Header().Set("Location", "/jobs/"+id)
	writeJSON(w, http.StatusAccepted, st)
}

func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.Status())
}

// Events streams status changes as server-sent events until the job is
// terminal or the client goes away.
func (h *Jobs) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, r, fmt.Errorf("streaming unsupported"))
		return
	}

	jobID := chi.URLParam(r, "id")
	sub, err := h.svc.Subscribe(r.Context(), jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer sub.Close()

	// The job may run in another process (a worker, or serve --no-scheduler);
	// polling the registry feeds its commits into this subscription.
	followCtx, stopFollow := context.WithCancel(r.Context())
	defer stopFollow()
	go func() {
		if _, err := h.svc.Follow(followCtx, jobID, h.poll); err != nil && followCtx.Err() == nil {
			h.logger.Debug("Event stream follow ended", zap.String("job_id", jobID), zap.Error(err))
		}
	}()

	w.Header().Set(headerContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case st, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeEvent(w, eventStatus, st); err != nil {
				h.logger.Debug("Event stream write failed", zap.String("job_id", jobID), zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func parseStates(raw string) (jobregistry.ListFilter, error) {
	var filter jobregistry.ListFilter
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		state := jobregistry.JobState(part)
		if !state.Valid() {
			return filter, badRequest(fmt.Sprintf("unknown state %q", part))
		}
		filter.States = append(filter.States, state)
	}
	return filter, nil
}
