package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lumenvale/shuttercore/internal/coordinator"
	"github.com/lumenvale/shuttercore/internal/domain"
)

type handlers struct {
	coord *coordinator.Coordinator
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.coord.Status())
}

type enqueueRequest struct {
	Paths    []string `json:"paths"`
	Position string   `json:"position"` // "tail" (default), "head", "sorted"
	Force    bool     `json:"force"`
}

func (h *handlers) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Paths) == 0 {
		respondError(w, http.StatusBadRequest, "paths must not be empty")
		return
	}

	pos := coordinator.PositionTail
	switch req.Position {
	case "head":
		pos = coordinator.PositionHead
	case "sorted":
		pos = coordinator.PositionSorted
	case "", "tail":
		pos = coordinator.PositionTail
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown position %q", req.Position))
		return
	}

	paths := make([]domain.FilePath, len(req.Paths))
	for i, p := range req.Paths {
		paths[i] = domain.FilePath(p)
	}
	h.coord.Enqueue(paths, pos, req.Force)
	respondJSON(w, http.StatusAccepted, map[string]int{"accepted": len(paths)})
}

type pathRequest struct {
	Path string `json:"path"`
}

func (h *handlers) remove(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	removed := h.coord.Remove(domain.FilePath(req.Path))
	respondJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (h *handlers) forceReprocess(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.coord.ForceReprocess(domain.FilePath(req.Path))
	respondJSON(w, http.StatusAccepted, nil)
}

type priorityRequest struct {
	Digests []string `json:"digests"`
}

func (h *handlers) setPriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	digests := make([]domain.Digest, len(req.Digests))
	for i, d := range req.Digests {
		digests[i] = domain.Digest(d)
	}
	h.coord.SetPriority(digests)
	respondJSON(w, http.StatusOK, nil)
}

type similarFacesRequest struct {
	ImageBase64 string `json:"image_base64"`
	K           int    `json:"k"`
}

// similarFaces looks up cached digests whose indexed face embeddings are
// nearest to the posted crop, for the "already processed, similar face"
// fast path.
func (h *handlers) similarFaces(w http.ResponseWriter, r *http.Request) {
	var req similarFacesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ImageBase64 == "" {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	k := req.K
	if k <= 0 {
		k = 5
	}

	crop, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "image_base64 is not valid base64")
		return
	}

	matches, err := h.coord.SimilarFaces(crop, k)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, fmt.Sprintf("embedding crop: %v", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"matches": matches})
}
