package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/realtime"
)

// Inbound message types accepted from operator sessions.
const (
	msgLocationUpdate  = "location.update"
	msgLocationStop    = "location.stop"
	msgAvailabilitySet = "availability.set"
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	role, err := models.ParseRole(vars["role"])
	if err != nil || vars["id"] == "" {
		http.Error(w, "unknown role", http.StatusNotFound)
		return
	}
	s.Realtime.Serve(w, r, realtime.Identity{Role: role, ID: vars["id"]})
}

// handleInbound lets an operator stream its position and toggle availability
// over the session instead of polling the HTTP endpoints.
func (s *Server) handleInbound(ctx context.Context, id realtime.Identity, msgType string, data json.RawMessage) error {
	if id.Role != models.RoleOperator {
		return fmt.Errorf("%w: %s cannot send %q", models.ErrForbidden, id.Role, msgType)
	}
	switch msgType {
	case msgLocationUpdate:
		var c models.Coord
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
		}
		return s.Tracker.UpdateLocation(ctx, id.ID, c)
	case msgLocationStop:
		return s.Tracker.StopBroadcasting(ctx, id.ID)
	case msgAvailabilitySet:
		var body availabilityBody
		if err := json.Unmarshal(data, &body); err != nil {
			return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
		}
		a, err := models.ParseAvailability(body.Availability)
		if err != nil {
			return err
		}
		return s.Tracker.SetAvailability(ctx, id.ID, a)
	}
	return fmt.Errorf("%w: unsupported message type %q", models.ErrInvalidInput, msgType)
}
