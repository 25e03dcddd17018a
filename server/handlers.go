package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/petal-labs/livepipe/protocol"
	"github.com/petal-labs/livepipe/records"
)

const (
	defaultEventLimit   = 50
	maxEventLimit       = 100
	defaultGalleryLimit = 20
	maxGalleryLimit     = 50
)

// pinger is implemented by collaborators that can report their own health.
type pinger interface {
	Ping(ctx context.Context) error
}

// Stats returns the aggregate stats with the active job count taken from
// the counter, which is authoritative for in-flight uploads.
func (s *Server) Stats(ctx context.Context) (protocol.Stats, error) {
	stats, err := s.records.Stats(ctx)
	if err != nil {
		return protocol.Stats{}, err
	}
	if active, err := s.jobs.Value(ctx); err == nil {
		stats.ActiveJobs = active
	} else {
		s.logger.Warn("active job count unavailable", "error", err)
	}
	return stats, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	services := map[string]string{
		"records": checkPing(ctx, s.records),
		"bus":     checkPing(ctx, s.bus),
		"storage": checkPing(ctx, s.objects),
	}
	if _, err := s.jobs.Value(ctx); err != nil {
		services["counter"] = "error"
	} else {
		services["counter"] = "ok"
	}

	status := "ok"
	for _, v := range services {
		if v != "ok" {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "services": services})
}

func checkPing(ctx context.Context, v any) string {
	p, ok := v.(pinger)
	if !ok {
		return "ok"
	}
	if err := p.Ping(ctx); err != nil {
		return "error"
	}
	return "ok"
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultEventLimit)
	limit = min(max(limit, 1), maxEventLimit)

	events, err := s.events.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read event history", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read events")
		return
	}
	if events == nil {
		events = []protocol.EventRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGallery(w http.ResponseWriter, r *http.Request) {
	limit := min(max(queryInt(r, "limit", defaultGalleryLimit), 1), maxGalleryLimit)
	offset := max(queryInt(r, "offset", 0), 0)

	uploads, total, err := s.records.Gallery(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("failed to list gallery", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list gallery")
		return
	}

	items := make([]protocol.GalleryItem, 0, len(uploads))
	for _, u := range uploads {
		items = append(items, u.GalleryItem(s.objects))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (s *Server) handleGalleryItem(w http.ResponseWriter, r *http.Request) {
	u, err := s.records.Upload(r.Context(), r.PathValue("id"))
	if errors.Is(err, records.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Upload not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read upload", "id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read upload")
		return
	}
	writeJSON(w, http.StatusOK, u.GalleryItem(s.objects))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to read stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// queryInt parses an integer query parameter, returning def when it is
// missing or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
