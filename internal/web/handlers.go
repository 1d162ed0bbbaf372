package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/gridsync/internal/core"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status    string             `json:"status"`
	Documents int                `json:"documents"`
	Sessions  core.LimiterStatus `json:"sessions"`
	Imports   core.LimiterStatus `json:"imports"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Documents: s.service.LoadedDocuments(),
		Sessions:  s.service.SessionStatus(),
		Imports:   s.service.ImportStatus(),
	})
}

// handleState returns the document snapshot and revision.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.State(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleSessions reports how many websocket sessions this process serves
// for the document.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	n, err := s.service.Sessions(docID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionsResponse{DocID: docID, Sessions: n})
}

// handleOperations returns the operations committed since ?since=N
// (default 0) for catching up.
func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")

	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, r, fmt.Errorf("%w: since=%q", errInvalidRequest, v))
			return
		}
		since = n
	}

	ops, err := s.service.Operations(r.Context(), docID, since)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OperationsResponse{
		Since:      since,
		Revision:   since + len(ops),
		Operations: ops,
	})
}

// handleSubmit commits an operation sent over plain HTTP. The origin is
// the X-Client-ID header, or the request id when absent.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")

	var req SubmitRequest
	body := http.MaxBytesReader(w, r.Body, s.cfg.Session.MaxMessageSize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			respondError(w, r, err)
			return
		}
		respondError(w, r, fmt.Errorf("%w: %w", errInvalidRequest, err))
		return
	}

	origin := r.Header.Get("X-Client-ID")
	if origin == "" {
		origin = "http-" + middleware.GetReqID(r.Context())
	}

	ctx := withRequestMetadata(r.Context(), r)
	accepted, err := s.service.Submit(ctx, docID, origin, req.Revision, req.Operation)
	if err != nil && !errors.Is(err, core.ErrBroadcastFailed) {
		respondError(w, r, err)
		return
	}
	// A failed broadcast is the sessions' problem; the operation is committed.
	writeJSON(w, http.StatusOK, accepted)
}

// handleImport imports a CSV body, sent raw or as the "file" part of a
// multipart form.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")

	body, err := importBody(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	origin := "import-" + middleware.GetReqID(r.Context())
	ctx := withRequestMetadata(r.Context(), r)
	result, err := s.service.ImportCSV(ctx, docID, origin, body)
	if err != nil && !errors.Is(err, core.ErrBroadcastFailed) {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func importBody(r *http.Request) (io.Reader, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrInvalidCSV, err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, core.ErrEmptyFile
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrInvalidCSV, err)
		}
		if part.FormName() == "file" {
			return part, nil
		}
	}
}

// handleExport streams the document as CSV.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	if err := core.ValidateDocumentID(docID); err != nil {
		respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, docID))
	if err := s.service.ExportCSV(r.Context(), docID, w); err != nil {
		// Nothing is written before the snapshot is read, so the error
		// response usually still goes out.
		respondError(w, r, err)
	}
}

// handleReset clears a document.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	ctx := withRequestMetadata(r.Context(), r)
	if err := s.service.Reset(ctx, docID); err != nil && !errors.Is(err, core.ErrBroadcastFailed) {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
