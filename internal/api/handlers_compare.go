package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dgallion1/docanalyst/internal/pipeline"
)

// handleCompare compares the "reference" and "actual" uploads page by page.
// It answers once the generator has replied.
func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	r.Body = http.MaxBytesReader(w, r.Body, 2*s.cfg.MaxUploadBytes+1024*1024)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	var uploads [2]pipeline.Upload
	for i, field := range []string{"reference", "actual"} {
		file, header, err := r.FormFile(field)
		if err != nil {
			jsonError(w, field+" is required: "+err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		if header.Size > s.cfg.MaxUploadBytes {
			jsonError(w, fmt.Sprintf("%s exceeds max size (%d bytes)", field, s.cfg.MaxUploadBytes), http.StatusRequestEntityTooLarge)
			return
		}
		uploads[i] = pipeline.Upload{Filename: header.Filename, Body: file}
	}

	cmp, err := s.orchestrator.Compare(r.Context(), sessionID, uploads[0], uploads[1])
	if err != nil {
		code := statusFor(err)
		if code >= 500 {
			s.log.Error("comparison failed", "session_id", sessionID, "error", err)
		}
		body := map[string]any{"error": err.Error()}
		if cmp != nil {
			body["comparison"] = cmp
		}
		writeJSON(w, code, body)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}
