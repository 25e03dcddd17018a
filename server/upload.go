package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/petal-labs/livepipe/protocol"
	"github.com/petal-labs/livepipe/records"
)

var allowedImageTypes = []string{"image/jpeg", "image/png", "image/webp", "image/gif"}

// seedImage is one sample image replayed by demo bursts.
type seedImage struct {
	filename string
	mimeType string
	data     []byte
}

// ingested describes an upload that has been stored and recorded.
type ingested struct {
	id          string
	filename    string
	originalKey string
	mimeType    string
	size        int64
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large",
				fmt.Sprintf("File too large. Max: %s", humanize.IBytes(uint64(s.maxUpload))))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "expected a multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_image", "No image file provided. Use field name 'image'.")
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if !slices.Contains(allowedImageTypes, mimeType) {
		writeError(w, http.StatusBadRequest, "unsupported_type",
			fmt.Sprintf("Unsupported file type: %s. Allowed: %s", mimeType, strings.Join(allowedImageTypes, ", ")))
		return
	}
	if header.Size > s.maxUpload {
		writeError(w, http.StatusBadRequest, "too_large",
			fmt.Sprintf("File too large. Max: %s", humanize.IBytes(uint64(s.maxUpload))))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read image")
		return
	}

	ctx := r.Context()
	up, err := s.ingest(ctx, header.Filename, header.Filename, mimeType, data)
	if err != nil {
		s.logger.Error("upload failed", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store upload")
		return
	}
	s.announce(ctx, up)
	s.publishUploaded(ctx, up)

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":       up.id,
		"filename": up.filename,
		"status":   protocol.StatusPending,
	})
}

// ingest stores the original, creates its record and counts it as an
// active job. storedName names the object; filename is what viewers see.
func (s *Server) ingest(ctx context.Context, filename, storedName, mimeType string, data []byte) (ingested, error) {
	up := ingested{
		id:       s.newID(),
		filename: filename,
		mimeType: mimeType,
		size:     int64(len(data)),
	}
	up.originalKey = fmt.Sprintf("originals/%s/%s", up.id, filepath.Base(storedName))

	if err := s.objects.Put(ctx, up.originalKey, bytes.NewReader(data), mimeType); err != nil {
		return ingested{}, fmt.Errorf("server: store original: %w", err)
	}
	err := s.records.CreateUpload(ctx, records.Upload{
		ID:          up.id,
		Filename:    up.filename,
		MimeType:    mimeType,
		SizeBytes:   up.size,
		OriginalKey: up.originalKey,
		Status:      protocol.StatusPending,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return ingested{}, fmt.Errorf("server: create upload: %w", err)
	}
	if _, err := s.jobs.Increment(ctx); err != nil {
		s.logger.Warn("failed to increment active jobs", "id", up.id, "error", err)
	}
	return up, nil
}

// announce broadcasts upload_received for up and appends its record.
func (s *Server) announce(ctx context.Context, up ingested) {
	size := humanize.IBytes(uint64(up.size))
	frame := protocol.NewUploadReceived(up.id, up.filename, up.size, s.now().UnixMilli(), protocol.Activation{
		ActiveNodes: []string{"app", "api", "storage", "db", "nats"},
		ActiveEdges: []string{"app-api", "api-storage", "api-db", "api-nats"},
		EdgeLabels: map[string]string{
			"app-api":     fmt.Sprintf("POST %s (%s)", up.filename, size),
			"api-storage": fmt.Sprintf("PUT original (%s)", size),
			"api-db":      "INSERT upload record",
			"api-nats":    "PUBLISH " + s.uploadedSubject,
		},
	})
	s.broadcast(ctx, frame)

	if rec, ok := protocol.RecordFromFrame(frame); ok {
		if err := s.events.Append(ctx, rec); err != nil {
			s.logger.Warn("failed to persist event", "id", up.id, "error", err)
		}
	}
}

// publishUploaded hands the upload to the workers. Failures are logged; the
// upload itself has already been accepted.
func (s *Server) publishUploaded(ctx context.Context, up ingested) {
	data, err := json.Marshal(protocol.UploadedMessage{
		ID:          up.id,
		OriginalKey: up.originalKey,
		Filename:    up.filename,
		MimeType:    up.mimeType,
		SizeBytes:   up.size,
		Timestamp:   s.now().UnixMilli(),
	})
	if err != nil {
		s.logger.Error("failed to encode uploaded message", "id", up.id, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, s.uploadedSubject, data); err != nil {
		s.logger.Error("failed to publish upload", "id", up.id, "subject", s.uploadedSubject, "error", err)
	}
}

func (s *Server) broadcast(ctx context.Context, f protocol.Frame) {
	if _, err := s.hub.Broadcast(ctx, f); err != nil {
		s.logger.Error("broadcast failed", "kind", f.Kind(), "error", err)
	}
}

type demoBurstRequest struct {
	Count int `json:"count"`
}

func (s *Server) handleDemoBurst(w http.ResponseWriter, r *http.Request) {
	seeds := s.seedImages()
	if len(seeds) == 0 {
		writeError(w, http.StatusServiceUnavailable, "no_samples", "No sample images available")
		return
	}

	var req demoBurstRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // an empty or malformed body means the default count
	count := req.Count
	if count == 0 {
		count = 5
	}
	count = min(max(count, 1), s.burstMax)

	shuffled := slices.Clone(seeds)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	ctx := r.Context()
	triggered := 0
	for i := range count {
		sample := shuffled[i%len(shuffled)]
		up, err := s.ingest(ctx, "demo-"+sample.filename, sample.filename, sample.mimeType, sample.data)
		if err != nil {
			s.logger.Error("demo sample failed", "index", i, "error", err)
			continue
		}
		s.publishUploaded(ctx, up)
		triggered++

		if i < count-1 && !sleepCtx(ctx, s.burstSpacing) {
			break
		}
	}

	s.broadcast(ctx, protocol.NewUploadReceived("burst", fmt.Sprintf("Demo burst (%d images)", triggered), 0, s.now().UnixMilli(), protocol.Activation{
		ActiveNodes: []string{"app", "api"},
		ActiveEdges: []string{"app-api"},
		EdgeLabels:  map[string]string{"app-api": fmt.Sprintf("BURST %d images", triggered)},
	}))

	writeJSON(w, http.StatusOK, map[string]int{"triggered": triggered})
}

// seedImages loads the sample images once. Unreadable files are skipped.
func (s *Server) seedImages() []seedImage {
	s.seedsOnce.Do(func() {
		if s.seedDir == "" {
			return
		}
		entries, err := os.ReadDir(s.seedDir)
		if err != nil {
			s.logger.Warn("no seed images", "dir", s.seedDir, "error", err)
			return
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			mimeType := seedMimeType(e.Name())
			if mimeType == "" {
				continue
			}
			data, err := os.ReadFile(filepath.Join(s.seedDir, e.Name()))
			if err != nil {
				s.logger.Warn("skipping seed image", "file", e.Name(), "error", err)
				continue
			}
			s.seeds = append(s.seeds, seedImage{filename: e.Name(), mimeType: mimeType, data: data})
		}
		s.logger.Info("loaded seed images", "count", len(s.seeds))
	})
	return s.seeds
}

func seedMimeType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
