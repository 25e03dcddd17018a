package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/livepipe/bus"
	"github.com/petal-labs/livepipe/counter"
	"github.com/petal-labs/livepipe/hub"
	"github.com/petal-labs/livepipe/protocol"
	"github.com/petal-labs/livepipe/records"
	"github.com/petal-labs/livepipe/sse"
	"github.com/petal-labs/livepipe/storage"
)

const (
	defaultMaxUpload    = 10 << 20
	defaultDemoBurstMax = 20
	defaultBurstSpacing = 200 * time.Millisecond

	// multipartSlack is added to the upload limit for form overhead.
	multipartSlack = 1 << 20
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Records records.Store
	Events  bus.EventStore
	Jobs    counter.ActiveJobs
	Objects storage.ObjectStore
	Bus     bus.MessageBus
	Hub     *hub.Registry

	// ObjectsHandler, when set, serves stored objects under /objects/.
	ObjectsHandler http.Handler

	// UploadedSubject is where new uploads are announced to workers
	// (default pipeline.uploaded).
	UploadedSubject string

	MaxUploadBytes int64
	DemoBurstMax   int
	BurstSpacing   time.Duration
	SeedDir        string

	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger

	NewID func() string
	Now   func() time.Time
}

// Server is the livepipe HTTP API server.
type Server struct {
	records  records.Store
	events   bus.EventStore
	jobs     counter.ActiveJobs
	objects  storage.ObjectStore
	bus      bus.MessageBus
	hub      *hub.Registry
	objectsH http.Handler

	uploadedSubject string
	maxUpload       int64
	burstMax        int
	burstSpacing    time.Duration
	seedDir         string

	seedsOnce sync.Once
	seeds     []seedImage

	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
	newID      func() string
	now        func() time.Time
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	maxBody := cfg.MaxBody
	if maxBody < maxUpload+multipartSlack {
		maxBody = maxUpload + multipartSlack
	}
	burstMax := cfg.DemoBurstMax
	if burstMax <= 0 {
		burstMax = defaultDemoBurstMax
	}
	spacing := cfg.BurstSpacing
	if spacing <= 0 {
		spacing = defaultBurstSpacing
	}
	subject := cfg.UploadedSubject
	if subject == "" {
		subject = protocol.SubjectUploaded
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		records:         cfg.Records,
		events:          cfg.Events,
		jobs:            cfg.Jobs,
		objects:         cfg.Objects,
		bus:             cfg.Bus,
		hub:             cfg.Hub,
		objectsH:        cfg.ObjectsHandler,
		uploadedSubject: subject,
		maxUpload:       maxUpload,
		burstMax:        burstMax,
		burstSpacing:    spacing,
		seedDir:         cfg.SeedDir,
		corsOrigin:      corsOrigin,
		maxBody:         maxBody,
		logger:          logger,
		newID:           newID,
		now:             now,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API, viewer and object routes onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/gallery", s.handleGallery)
	mux.HandleFunc("GET /api/gallery/{id}", s.handleGalleryItem)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("POST /api/demo-burst", s.handleDemoBurst)

	// Viewer routes
	mux.Handle("GET /ws", s.hub.WebsocketHandler())
	mux.Handle("GET /api/stream", sse.NewHandler(s.hub))

	if s.objectsH != nil {
		mux.Handle("GET /objects/", http.StripPrefix("/objects", s.objectsH))
	}
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: apiErrorBody{Code: code, Message: message}})
}
