// Package api serves the HTTP control surface of a voice session: opening
// and closing the session, recording, downloading recordings, querying the
// listing catalog, and a websocket feed of session events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/eburon/internal/listing"
	"github.com/MrWong99/eburon/internal/recording"
	"github.com/MrWong99/eburon/internal/validate"
	"github.com/MrWong99/eburon/pkg/audio/capture"
	"github.com/MrWong99/eburon/pkg/provider/s2s"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// ErrBusy is returned by a [Controller] when a session operation was
// superseded by a concurrent one.
var ErrBusy = errors.New("api: session operation superseded")

// SessionRequest overrides fields of the default profile. Nil fields keep
// the configured default.
type SessionRequest struct {
	Prompt       *string `json:"prompt"        validate:"omitempty,max=16000"`
	Voice        *string `json:"voice"         validate:"omitempty,min=1,max=64"`
	ToolsEnabled *bool   `json:"tools_enabled"`
}

// SessionStatus describes the current session.
type SessionStatus struct {
	State        string     `json:"state"`
	SessionID    string     `json:"session_id,omitempty"`
	Voice        string     `json:"voice,omitempty"`
	ToolsEnabled bool       `json:"tools_enabled,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	Recording    bool       `json:"recording"`
}

// Controller is the session surface the API drives.
type Controller interface {
	Connect(ctx context.Context, req SessionRequest) (SessionStatus, error)
	Disconnect()
	Status() SessionStatus
	StartRecording()
	StopRecording(ctx context.Context) (recording.Entry, error)
}

// Config holds the dependencies of a [Server]. Events may be nil to disable
// the /v1/events feed.
type Config struct {
	Sessions   Controller
	Recordings *recording.Store
	Listings   *listing.Searcher
	Events     *Hub
}

// Server implements the /v1 routes.
type Server struct {
	sessions   Controller
	recordings *recording.Store
	listings   *listing.Searcher
	events     *Hub
}

// New creates a Server.
func New(cfg Config) *Server {
	return &Server{
		sessions:   cfg.Sessions,
		recordings: cfg.Recordings,
		listings:   cfg.Listings,
		events:     cfg.Events,
	}
}

// Register adds the /v1 routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/session", s.connect)
	mux.HandleFunc("GET /v1/session", s.status)
	mux.HandleFunc("DELETE /v1/session", s.disconnect)

	mux.HandleFunc("POST /v1/recording", s.startRecording)
	mux.HandleFunc("DELETE /v1/recording", s.stopRecording)
	mux.HandleFunc("GET /v1/recordings", s.listRecordings)
	mux.HandleFunc("GET /v1/recordings/{id}", s.getRecording)
	mux.HandleFunc("DELETE /v1/recordings/{id}", s.releaseRecording)

	mux.HandleFunc("GET /v1/listings", s.searchListings)

	if s.events != nil {
		mux.Handle("GET /v1/events", s.events)
	}
}

// ── Session ──────────────────────────────────────────────────────────────────

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := s.sessions.Connect(r.Context(), req)
	if err != nil {
		writeError(w, connectStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// connectStatus maps a connect failure to an HTTP status.
func connectStatus(err error) int {
	switch {
	case errors.Is(err, s2s.ErrUnsupportedConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrBusy):
		return http.StatusConflict
	case errors.Is(err, s2s.ErrConnect):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Status())
}

func (s *Server) disconnect(w http.ResponseWriter, _ *http.Request) {
	s.sessions.Disconnect()
	writeJSON(w, http.StatusOK, s.sessions.Status())
}

// ── Recording ────────────────────────────────────────────────────────────────

// recordingView is the JSON form of a finished recording.
type recordingView struct {
	ID         string    `json:"id,omitempty"`
	MIMEType   string    `json:"mime_type,omitempty"`
	Bytes      int       `json:"bytes"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at,omitzero"`
	URL        string    `json:"url,omitempty"`
}

func viewOf(e recording.Entry) recordingView {
	v := recordingView{
		ID:         e.ID,
		MIMEType:   e.MIMEType,
		Bytes:      len(e.Data),
		DurationMS: e.Duration.Milliseconds(),
		CreatedAt:  e.CreatedAt,
		URL:        e.Location,
	}
	if v.ID != "" && v.URL == "" {
		v.URL = "/v1/recordings/" + v.ID
	}
	return v
}

func (s *Server) startRecording(w http.ResponseWriter, _ *http.Request) {
	s.sessions.StartRecording()
	writeJSON(w, http.StatusAccepted, map[string]bool{"recording": true})
}

func (s *Server) stopRecording(w http.ResponseWriter, r *http.Request) {
	e, err := s.sessions.StopRecording(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(e))
}

func (s *Server) listRecordings(w http.ResponseWriter, _ *http.Request) {
	entries := s.recordings.List()
	out := make([]recordingView, 0, len(entries))
	for _, e := range entries {
		out = append(out, viewOf(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": out})
}

func (s *Server) getRecording(w http.ResponseWriter, r *http.Request) {
	e, err := s.recordings.Get(r.PathValue("id"))
	if errors.Is(err, recording.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", e.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(e.Data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="eburon-%s.wav"`, e.ID))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(e.Data); err != nil {
		slog.Debug("api: recording download interrupted", "id", e.ID, "err", err)
	}
}

func (s *Server) releaseRecording(w http.ResponseWriter, r *http.Request) {
	err := s.recordings.Release(r.PathValue("id"))
	if errors.Is(err, recording.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Listings ─────────────────────────────────────────────────────────────────

// listingQuery holds the parsed /v1/listings query string.
type listingQuery struct {
	Location     string  `json:"location"     validate:"omitempty,max=100"`
	MaxPrice     float64 `json:"maxPrice"     validate:"gte=0"`
	PropertyType string  `json:"propertyType" validate:"omitempty,max=50"`
	Bedrooms     int     `json:"bedrooms"     validate:"gte=0,lte=50"`
}

func parseListingQuery(r *http.Request) (listingQuery, error) {
	q := r.URL.Query()
	lq := listingQuery{
		Location:     q.Get("location"),
		PropertyType: q.Get("propertyType"),
	}
	var errs []error
	if v := q.Get("maxPrice"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, validate.FieldError{Field: "maxPrice", Message: "must be a number"})
		}
		lq.MaxPrice = f
	}
	if v := q.Get("bedrooms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, validate.FieldError{Field: "bedrooms", Message: "must be an integer"})
		}
		lq.Bedrooms = n
	}
	if len(errs) > 0 {
		return lq, errors.Join(errs...)
	}
	return lq, validate.Struct(lq)
}

func (s *Server) searchListings(w http.ResponseWriter, r *http.Request) {
	lq, err := parseListingQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.listings.Search(r.Context(), listing.Filter{
		Location:     lq.Location,
		MaxPrice:     lq.MaxPrice,
		PropertyType: lq.PropertyType,
		Bedrooms:     lq.Bedrooms,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if res.Listings == nil {
		res.Listings = []listing.Listing{}
	}
	writeJSON(w, http.StatusOK, res)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// errorBody is the JSON error response.
type errorBody struct {
	Error  string                `json:"error"`
	Fields []validate.FieldError `json:"fields,omitempty"`
}

// decodeBody decodes and validates a JSON body into dst. An empty body
// leaves dst zero. It reports false when an error response was written.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: err.Error(), Fields: validate.Fields(err)}
	if status >= http.StatusInternalServerError {
		slog.Warn("api: request failed", "status", status, "err", err)
	}
	writeJSON(w, status, body)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
	}
}
