package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-matching/internal/matcher"
	"github.com/example/trip-matching/internal/models"
	"github.com/example/trip-matching/internal/notify"
	"github.com/example/trip-matching/internal/storage"
)

// Server exposes the matching pipeline over HTTP: the single attempt
// operation, a read of the stored match state, health, metrics, and a
// WebSocket feed of outcomes per trip.
type Server struct {
	Matcher *matcher.Service
	Store   storage.ResultStore
	WSReg   *notify.Registry
	logger  *slog.Logger
	mux     *mux.Router
}

func NewServer(svc *matcher.Service, store storage.ResultStore, wsreg *notify.Registry, logger *slog.Logger) *Server {
	s := &Server{Matcher: svc, Store: store, WSReg: wsreg, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/trips/match", s.handleAttemptMatch).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/match", s.handleGetMatchState).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/trips/{trip_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type attemptRequest struct {
	TripID string `json:"trip_id"`
}

func (s *Server) handleAttemptMatch(w http.ResponseWriter, r *http.Request) {
	var req attemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.MatchResponse{
			Success: false, Code: matcher.CodeInvalidRequest, Error: "malformed request body",
		})
		return
	}
	req.TripID = strings.TrimSpace(req.TripID)
	if req.TripID == "" {
		writeJSON(w, http.StatusBadRequest, models.MatchResponse{
			Success: false, Code: matcher.CodeInvalidRequest, Error: "trip_id is required",
		})
		return
	}

	resp := s.Matcher.AttemptMatch(r.Context(), req.TripID)
	writeJSON(w, statusForCode(resp.Code), resp)
}

type matchStateResponse struct {
	TripID         string             `json:"trip_id"`
	MatchStatus    models.MatchStatus `json:"match_status"`
	MatchAttempts  int                `json:"match_attempts"`
	HaversineKm    float64            `json:"haversine_distance_km"`
	RoadKm         *float64           `json:"road_distance_km,omitempty"`
	Confidence     *float64           `json:"match_confidence,omitempty"`
	GeometryPoints int                `json:"geometry_points"`
	MatchError     string             `json:"match_error,omitempty"`
}

func (s *Server) handleGetMatchState(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	trip, err := s.Store.ReadTripMatchState(r.Context(), tripID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, models.MatchResponse{
			Success: false, TripID: tripID, Code: matcher.CodeTripNotFound, Error: "trip not found",
		})
		return
	}
	if err != nil {
		s.logger.Error("read match state", "trip_id", tripID, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.MatchResponse{
			Success: false, TripID: tripID, Code: matcher.CodeInternal, Error: "read failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, matchStateResponse{
		TripID:         trip.ID,
		MatchStatus:    trip.Status,
		MatchAttempts:  trip.Attempts,
		HaversineKm:    trip.HaversineKm,
		RoadKm:         trip.RoadKm,
		Confidence:     trip.Confidence,
		GeometryPoints: len(trip.Geometry),
		MatchError:     trip.MatchError,
	})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(tripID, conn)
}

// statusForCode maps stable error codes onto HTTP status classes. An empty
// code or MATCH_FAILED means the attempt itself ran and was committed, so
// the request succeeded even when the match did not.
func statusForCode(code string) int {
	switch code {
	case "", matcher.CodeMatchFailed:
		return http.StatusOK
	case matcher.CodeInvalidRequest:
		return http.StatusBadRequest
	case matcher.CodeTripNotFound:
		return http.StatusNotFound
	case matcher.CodeMaxAttempts, matcher.CodeInProgress:
		return http.StatusConflict
	case matcher.CodeInsufficientPoints:
		return http.StatusUnprocessableEntity
	case matcher.CodeOSRMUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
