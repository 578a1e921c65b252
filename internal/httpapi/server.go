package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/service"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/store"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/types"
)

type Dependencies struct {
	Logger        *log.Logger
	Addr          string
	AccessService *service.AccessService

	// RateLimit is the per-client request rate on /v1/verify.  Zero disables
	// limiting.
	RateLimit rate.Limit
	RateBurst int
}

type Server struct {
	httpServer    *http.Server
	logger        *log.Logger
	mux           *http.ServeMux
	accessService *service.AccessService
	limiter       *clientLimiter
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		logger:        d.Logger,
		mux:           mux,
		accessService: d.AccessService,
	}

	var verify http.Handler = http.HandlerFunc(s.handleVerify)
	if d.RateLimit > 0 {
		s.limiter = newClientLimiter(d.RateLimit, d.RateBurst)
		verify = rateLimitMiddleware(s.limiter, verify)
	}

	mux.Handle("POST /v1/verify", verify)
	mux.HandleFunc("POST /v1/lock", s.handleLock)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	handler := loggingMiddleware(d.Logger, mux)

	// No WriteTimeout: a granted verify blocks for the actuation hold.
	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req types.VerifyRequest
	proto := isProtobuf(r)

	if proto {
		var msg structpb.Struct
		if err := readProto(r, &msg); err != nil {
			writeError(w, http.StatusBadRequest, "bad_protobuf", "invalid protobuf body")
			return
		}
		req = verifyRequestFromProto(&msg)
	} else {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
		dec.DisallowUnknownFields()

		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
			return
		}
	}

	resp, err := s.accessService.Verify(r.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrPayloadRequired) {
			writeError(w, http.StatusBadRequest, "payload_required", err.Error())
			return
		}
		s.logger.Printf("verify error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	if proto {
		msg, err := verifyResponseToProto(resp)
		if err != nil {
			s.logger.Printf("verify proto encode: %v", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
			return
		}
		writeProto(w, http.StatusOK, msg)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	cancelled := s.accessService.Relock()
	if cancelled {
		s.logger.Printf("relock requested from=%s", r.RemoteAddr)
	}
	writeJSON(w, http.StatusOK, types.RelockResponse{
		OK:         true,
		Cancelled:  cancelled,
		ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := store.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := s.accessService.RecentEvents(r.Context(), limit)
	if err != nil {
		s.logger.Printf("events error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	out := make([]eventJSON, 0, len(events))
	for _, ev := range events {
		out = append(out, eventToJSON(ev))
	}
	writeJSON(w, http.StatusOK, eventsResponse{OK: true, Events: out})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"server_time": time.Now().UTC().Format(time.RFC3339Nano),
	})
}
