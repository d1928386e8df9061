package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/tow-dispatch/internal/dispatch"
	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/realtime"
	"github.com/example/tow-dispatch/internal/tracker"
)

type Server struct {
	Dispatch *dispatch.Coordinator
	Tracker  *tracker.Tracker
	Realtime *realtime.Server

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer builds the API router. bus may be nil, in which case the
// websocket endpoint is not mounted.
func NewServer(coord *dispatch.Coordinator, trk *tracker.Tracker, bus *realtime.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Dispatch: coord, Tracker: trk, logger: logger, mux: mux.NewRouter()}
	if bus != nil {
		s.Realtime = realtime.NewServer(bus, s.handleInbound, logger)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/internal/operators/{id}", s.handleRegisterOperator).Methods("PUT")
	if s.Realtime != nil {
		s.mux.HandleFunc("/ws/{role}/{id}", s.handleWS)
	}

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.callerMiddleware)
	api.HandleFunc("/requests", s.handleRequestService).Methods("POST")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{id}/claim", s.handleClaim).Methods("POST")
	api.HandleFunc("/requests/{id}/transition", s.handleTransition).Methods("POST")
	api.HandleFunc("/requests/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/quotes", s.handleQuote).Methods("POST")
	api.HandleFunc("/operators/eligible", s.handleEligible).Methods("GET")
	api.HandleFunc("/operators/{id}/location", s.handleLocation).Methods("POST")
	api.HandleFunc("/operators/{id}/location", s.handleStopBroadcasting).Methods("DELETE")
	api.HandleFunc("/operators/{id}/availability", s.handleAvailability).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRequestService(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	if caller.Role != models.RoleRequester {
		writeError(w, http.StatusForbidden, "forbidden", "only requesters can create service requests")
		return
	}
	var in dispatch.RequestInput
	if !decodeBody(w, r, &in) {
		return
	}
	in.RequesterID = caller.ID
	sub, err := s.Dispatch.RequestService(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Dispatch.GetRequest(r.Context(), mux.Vars(r)["id"], callerFromContext(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	if caller.Role != models.RoleOperator {
		writeError(w, http.StatusForbidden, "forbidden", "only operators can claim requests")
		return
	}
	req, err := s.Dispatch.Claim(r.Context(), mux.Vars(r)["id"], caller.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type transitionBody struct {
	State string `json:"state"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body transitionBody
	if !decodeBody(w, r, &body) {
		return
	}
	target, err := models.ParseState(body.State)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	req, err := s.Dispatch.Transition(r.Context(), mux.Vars(r)["id"], callerFromContext(r.Context()), target)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	// The reason is optional, so an empty body is accepted.
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	req, err := s.Dispatch.Cancel(r.Context(), mux.Vars(r)["id"], callerFromContext(r.Context()), body.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type quoteBody struct {
	Origin       models.Coord        `json:"origin"`
	Destination  models.Coord        `json:"destination"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var body quoteBody
	if !decodeBody(w, r, &body) {
		return
	}
	q, err := s.Dispatch.QuoteService(r.Context(), body.Origin, body.Destination, body.VehicleClass)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type eligibleOperator struct {
	OperatorID string       `json:"operator_id"`
	Name       string       `json:"name"`
	Plate      string       `json:"plate"`
	Location   models.Coord `json:"location"`
	DistanceKm float64      `json:"distance_km"`
}

// handleEligible answers GET /api/v1/operators/eligible?lat=&lon=&vehicle_class=&radius_km=
func (s *Server) handleEligible(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "lat and lon are required numbers")
		return
	}
	class, err := models.ParseVehicleClass(q.Get("vehicle_class"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var radius float64
	if v := q.Get("radius_km"); v != "" {
		if radius, err = strconv.ParseFloat(v, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "radius_km must be a number")
			return
		}
	}
	matches, err := s.Dispatch.EligibleOperators(r.Context(), models.Coord{Lat: lat, Lon: lon}, class, radius)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]eligibleOperator, 0, len(matches))
	for _, m := range matches {
		out = append(out, eligibleOperator{
			OperatorID: m.Operator.ID,
			Name:       m.Operator.Name,
			Plate:      m.Operator.Plate,
			Location:   *m.Operator.Location,
			DistanceKm: m.DistanceKm,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.selfOperator(w, r)
	if !ok {
		return
	}
	var c models.Coord
	if !decodeBody(w, r, &c) {
		return
	}
	if err := s.Tracker.UpdateLocation(r.Context(), id, c); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopBroadcasting(w http.ResponseWriter, r *http.Request) {
	id, ok := s.selfOperator(w, r)
	if !ok {
		return
	}
	if err := s.Tracker.StopBroadcasting(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type availabilityBody struct {
	Availability string `json:"availability"`
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := s.selfOperator(w, r)
	if !ok {
		return
	}
	var body availabilityBody
	if !decodeBody(w, r, &body) {
		return
	}
	a, err := models.ParseAvailability(body.Availability)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if err := s.Tracker.SetAvailability(r.Context(), id, a); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRegisterOperator is called by the back-office approval flow.
func (s *Server) handleRegisterOperator(w http.ResponseWriter, r *http.Request) {
	var reg tracker.Registration
	if !decodeBody(w, r, &reg) {
		return
	}
	reg.ID = mux.Vars(r)["id"]
	op, err := s.Tracker.Register(r.Context(), reg)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// selfOperator checks that the caller is the operator named in the path.
func (s *Server) selfOperator(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	caller := callerFromContext(r.Context())
	if caller.Role != models.RoleOperator || caller.ID != id {
		writeError(w, http.StatusForbidden, "forbidden", fmt.Sprintf("caller cannot act for operator %s", id))
		return "", false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
