package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/record"
	"github.com/go-chi/chi/v5"
)

// Records is the record namespace served over HTTP.
// *replica.Manager[*record.Record] satisfies it.
type Records interface {
	Name() string
	Origin() string
	Add(ctx context.Context, id string, inst *record.Record, data domain.Value) error
	Remove(ctx context.Context, id string) error
	GetInstanceNow(id string) (*record.Record, bool)
	GetInstance(ctx context.Context, id string, timeout time.Duration) (*record.Record, bool)
	Instances() []string
	Flush(ctx context.Context) error
}

// Server exposes a record namespace and its shared document.
type Server struct {
	Doc     ports.Document
	Records Records
	Metrics http.Handler
	Version string
	Logger  *slog.Logger
}

// NewHandler creates the HTTP handler for s.
func NewHandler(s *Server) http.Handler {
	if s.Logger == nil {
		s.Logger = logging.NewNop()
	}
	r := chi.NewRouter()
	r.Use(enableCORS)

	r.Get("/healthz", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Get("/namespaces/{name}", s.GetNamespace)
	r.Get("/events", s.SubscribeEvents)

	r.Route("/records", func(r chi.Router) {
		r.Get("/", s.ListRecords)
		r.Post("/flush", s.FlushRecords)
		r.Get("/{id}", s.GetRecord)
		r.Put("/{id}", s.PutRecord)
		r.Patch("/{id}", s.PatchRecord)
		r.Delete("/{id}", s.DeleteRecord)
	})

	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}
	return r
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecordView is the JSON shape of one record.
type RecordView struct {
	ID     string     `json:"id"`
	Fields domain.Map `json:"fields"`
}

// EntityView is the JSON shape of one shared entity.
type EntityView struct {
	Data  domain.Value `json:"data"`
	State domain.Map   `json:"state"`
}

// PutRequest creates a record or replaces its fields.
type PutRequest struct {
	Data  domain.Value   `json:"data"`
	State map[string]any `json:"state"`
}

// PatchRequest sets and unsets individual fields.
type PatchRequest struct {
	Set   map[string]any `json:"set"`
	Unset []string       `json:"unset"`
}

// GetHealth handles GET /healthz.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles GET /info.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"app":       "lattice",
		"version":   s.Version,
		"namespace": s.Records.Name(),
		"origin":    s.Records.Origin(),
	})
}

// GetNamespace handles GET /namespaces/{name}: every entity of a namespace as
// read from the shared document.
func (s *Server) GetNamespace(w http.ResponseWriter, r *http.Request) {
	snapshot, err := Snapshot(r.Context(), s.Doc, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

// Snapshot reads every entity of namespace from doc.
func Snapshot(ctx context.Context, doc ports.Document, namespace string) (map[string]EntityView, error) {
	dataMap, stateMap := namespace+"/data", namespace+"/state"
	ids, err := doc.Keys(ctx, dataMap)
	if err != nil {
		return nil, err
	}

	out := make(map[string]EntityView, len(ids))
	for _, id := range ids {
		data, ok, err := doc.Get(ctx, dataMap, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		state, _, err := doc.Get(ctx, stateMap, id)
		if err != nil {
			return nil, err
		}
		if state == nil {
			state = domain.Map{}
		}
		out[id] = EntityView{Data: data["data"], State: state}
	}
	return out, nil
}

// ListRecords handles GET /records.
func (s *Server) ListRecords(w http.ResponseWriter, r *http.Request) {
	ids := s.Records.Instances()
	out := make([]RecordView, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.Records.GetInstanceNow(id); ok {
			out = append(out, RecordView{ID: id, Fields: rec.Fields()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	s.writeJSON(w, http.StatusOK, out)
}

// GetRecord handles GET /records/{id}. With ?wait=<duration> it waits for a
// record that has not replicated yet.
func (s *Server) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var rec *record.Record
	var ok bool
	if wait := r.URL.Query().Get("wait"); wait != "" {
		d, err := time.ParseDuration(wait)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid wait: %w", err))
			return
		}
		rec, ok = s.Records.GetInstance(r.Context(), id, d)
	} else {
		rec, ok = s.Records.GetInstanceNow(id)
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("record %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, RecordView{ID: id, Fields: rec.Fields()})
}

// PutRecord handles PUT /records/{id}. A new id is published; an existing
// record has its fields replaced.
func (s *Server) PutRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body PutRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if rec, ok := s.Records.GetInstanceNow(id); ok {
		if err := rec.Replace(body.State); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.writeJSON(w, http.StatusOK, RecordView{ID: id, Fields: rec.Fields()})
		return
	}

	fields, err := domain.NormalizeMap(body.State)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	rec := record.New(record.WithFields(fields))
	if err := s.Records.Add(r.Context(), id, rec, body.Data); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, RecordView{ID: id, Fields: rec.Fields()})
}

// PatchRecord handles PATCH /records/{id}.
func (s *Server) PatchRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.Records.GetInstanceNow(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("record %s not found", id))
		return
	}

	var body PatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	for k, v := range body.Set {
		if err := rec.Set(k, v); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	for _, k := range body.Unset {
		rec.Unset(k)
	}
	s.writeJSON(w, http.StatusOK, RecordView{ID: id, Fields: rec.Fields()})
}

// DeleteRecord handles DELETE /records/{id}.
func (s *Server) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.Records.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FlushRecords handles POST /records/flush.
func (s *Server) FlushRecords(w http.ResponseWriter, r *http.Request) {
	if err := s.Records.Flush(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SubscribeEvents handles GET /events (SSE): every committed batch touching
// the served namespace, as JSON.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	prefix := s.Records.Name() + "/"
	events := make(chan ports.Batch, 64)
	cancel := s.Doc.Observe(func(_ context.Context, b ports.Batch) {
		if !touchesNamespace(b, prefix) {
			return
		}
		select {
		case events <- b:
		default:
			s.Logger.Warn("Dropping event for slow subscriber", "origin", b.Origin)
		}
	})
	defer cancel()

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case b := <-events:
			payload, err := json.Marshal(b)
			if err != nil {
				s.Logger.Error("Failed to encode event", "err", err)
				continue
			}
			fmt.Fprintf(w, "event: batch\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func touchesNamespace(b ports.Batch, prefix string) bool {
	for _, c := range b.Changes {
		if len(c.Map) > len(prefix) && c.Map[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrDuplicateID), errors.Is(err, domain.ErrInstanceRegistered):
		return http.StatusConflict
	case errors.Is(err, domain.ErrCreationDataRequired), errors.Is(err, domain.ErrUnserializable):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("Failed to encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
