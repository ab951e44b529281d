// Package api serves the indexed Hub data over a read-only JSON REST API.
// Every read goes through the data context, so the live Hub answers first
// and the store fills in when the Hub is unreachable.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/emperorhan/hub-indexer/internal/cache"
	"github.com/emperorhan/hub-indexer/internal/datacontext"
	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/metrics"
)

const (
	DefaultLimit    = 10
	DefaultMaxLimit = 100
	defaultMaxDepth = 5
)

// Reader is the read side of the data context.
type Reader interface {
	Get(ctx context.Context, key model.MessageKey) (*model.Message, error)
	Query(ctx context.Context, sel model.Selector, limit int) ([]*model.Message, error)
}

type Server struct {
	reader    Reader
	maxLimit  int
	timeout   time.Duration
	usernames *cache.LRU[string, model.Fid]
	logger    *slog.Logger
}

type ServerOption func(*Server)

// WithMaxLimit caps the limit query parameter.
func WithMaxLimit(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxLimit = n
		}
	}
}

// WithRequestTimeout bounds each request's reads.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.timeout = d }
}

// WithUsernameCache remembers username to FID resolutions for ttl.
// A non-positive size leaves every lookup uncached.
func WithUsernameCache(size int, ttl time.Duration) ServerOption {
	return func(s *Server) {
		if size > 0 && ttl > 0 {
			s.usernames = cache.NewLRU[string, model.Fid](size, ttl)
		}
	}
}

func NewServer(reader Reader, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		reader:   reader,
		maxLimit: DefaultMaxLimit,
		timeout:  10 * time.Second,
		logger:   logger.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// routeSpec binds one method pattern to its handler.
type routeSpec struct {
	pattern string
	handle  handlerFunc
}

func (s *Server) routes() []routeSpec {
	return []routeSpec{
		{"GET /api/v1/openapi.json", s.handleOpenAPI},

		{"GET /api/v1/users/by-username/{username}", s.handleUserByUsername},
		{"GET /api/v1/users/{fid}", s.handleUserByFid},

		{"GET /api/v1/casts/by-fid/{fid}", s.handleCastsByFid},
		{"GET /api/v1/casts/by-mention/{fid}", s.handleCastsByMention},
		{"GET /api/v1/casts/by-parent/{fid}/{hash}", s.handleCastsByParent},
		{"GET /api/v1/casts/by-parent-url", s.handleCastsByParentURL},
		{"GET /api/v1/casts/{fid}/{hash}", s.handleCast},
		{"GET /api/v1/conversations/{fid}/{hash}", s.handleConversation},

		{"GET /api/v1/reactions/by-fid/{fid}", s.handleReactionsByFid},
		{"GET /api/v1/reactions/by-target-cast/{fid}/{hash}", s.handleReactionsByTargetCast},
		{"GET /api/v1/reactions/by-target-url", s.handleReactionsByTargetURL},

		{"GET /api/v1/links/by-fid/{fid}", s.handleLinksByFid},
		{"GET /api/v1/links/by-target/{fid}", s.handleLinksByTarget},
		{"GET /api/v1/links/compact-state/{fid}", s.handleLinkCompactState},

		{"GET /api/v1/verifications/all-by-fid/{fid}", s.handleAllVerificationsByFid},
		{"GET /api/v1/verifications/{fid}/{address}", s.handleVerificationByAddress},
		{"GET /api/v1/verifications/{fid}", s.handleVerificationsByFid},

		{"GET /api/v1/username-proofs/by-name/{name}", s.handleUsernameProofByName},
		{"GET /api/v1/username-proofs/{fid}", s.handleUsernameProofsByFid},
	}
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, rt := range s.routes() {
		s.route(mux, rt.pattern, rt.handle)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, notFound("no route for "+r.URL.Path))
	})
	return mux
}

// handlerFunc returns the response body or an error to render as an envelope.
type handlerFunc func(r *http.Request) (any, error)

func (s *Server) route(mux *http.ServeMux, pattern string, fn handlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if s.timeout > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
			defer cancel()
			r = r.WithContext(ctx)
		}

		body, err := fn(r)
		status := http.StatusOK
		if err != nil {
			apiErr := s.toAPIError(r, err)
			status = apiErr.status
			writeError(w, apiErr)
		} else {
			writeJSON(w, status, body)
		}
		metrics.APIRequests.WithLabelValues(pattern, strconv.Itoa(status)).Inc()
	})
}

func (s *Server) toAPIError(r *http.Request, err error) *apiError {
	var apiErr *apiError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, datacontext.ErrNotFound):
		return notFound("resource not found")
	case errors.Is(err, datacontext.ErrUnavailable):
		s.logger.Warn("data unavailable", "path", r.URL.Path, "error", err)
		return &apiError{status: http.StatusServiceUnavailable, code: codeUnavailable, message: "data temporarily unavailable"}
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		return &apiError{status: http.StatusInternalServerError, code: codeInternal, message: "internal error"}
	}
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
