// Package api exposes the tracker over JSON HTTP.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/worldmodel/internal/monitoring"
	"github.com/banshee-data/worldmodel/internal/stream"
	"github.com/banshee-data/worldmodel/internal/tf"
	"github.com/banshee-data/worldmodel/internal/worldmodel"
	"github.com/fatih/color"
)

var (
	cyan      = color.New(color.FgCyan).SprintFunc()
	yellow    = color.New(color.FgYellow).SprintFunc()
	boldGreen = color.New(color.FgGreen, color.Bold).SprintFunc()
	boldRed   = color.New(color.FgRed, color.Bold).SprintFunc()
)

// Server serves the tracker API. Buffer and Broadcaster are optional; the
// routes that need them answer 503 when absent.
type Server struct {
	tracker     *worldmodel.Tracker
	buffer      *tf.Buffer
	broadcaster *stream.Broadcaster
	poseFrames  *tf.PoseFrames
}

// Option configures a Server.
type Option func(*Server)

// WithTransformBuffer enables POST /api/tf and, with frames set,
// POST /api/robot_pose.
func WithTransformBuffer(b *tf.Buffer, frames *tf.PoseFrames) Option {
	return func(s *Server) {
		s.buffer = b
		s.poseFrames = frames
	}
}

// WithBroadcaster enables GET /api/stream.
func WithBroadcaster(b *stream.Broadcaster) Option {
	return func(s *Server) { s.broadcaster = b }
}

func NewServer(tracker *worldmodel.Tracker, opts ...Option) *Server {
	s := &Server{tracker: tracker}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	code := strconv.Itoa(statusCode)
	switch {
	case statusCode >= 200 && statusCode < 300:
		return boldGreen(code)
	case statusCode >= 300 && statusCode < 400:
		return yellow(code)
	case statusCode >= 400:
		return boldRed(code)
	default:
		return code
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s %vms",
			statusCodeColor(lrw.statusCode), r.Method, cyan(r.RequestURI),
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/percepts/pose", s.handlePosePercept)
	mux.HandleFunc("POST /api/percepts/image", s.handleImagePercept)
	mux.HandleFunc("GET /api/objects", s.listObjects)
	mux.HandleFunc("POST /api/objects", s.addObject)
	mux.HandleFunc("GET /api/objects/{id}", s.getObject)
	mux.HandleFunc("PUT /api/objects/{id}/state", s.setObjectState)
	mux.HandleFunc("POST /api/reset", s.reset)
	mux.HandleFunc("POST /api/tf", s.setTransforms)
	mux.HandleFunc("POST /api/robot_pose", s.setRobotPose)
	mux.HandleFunc("GET /api/stream", s.streamUpdates)
	mux.HandleFunc("GET /healthz", s.health)
	return mux
}
