package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/hearthshare/hearthcall/internal/agent"
	"github.com/hearthshare/hearthcall/internal/call"
	"github.com/hearthshare/hearthcall/internal/diagnostics"
	"github.com/hearthshare/hearthcall/internal/guard"
	"github.com/hearthshare/hearthcall/internal/history"
	"github.com/hearthshare/hearthcall/internal/media"
	"github.com/hearthshare/hearthcall/internal/pkg/models"
	"github.com/hearthshare/hearthcall/internal/room"
	"github.com/hearthshare/hearthcall/internal/signaling"
	"github.com/hearthshare/hearthcall/internal/supervise"
	"github.com/hearthshare/hearthcall/internal/token"
)

// Bridge is the agent surface the server exposes. An interface so handler
// tests can substitute a fake agent.
type Bridge interface {
	StartCall(ctx context.Context, video, audio bool) error
	AcceptCall(ctx context.Context) error
	RejectCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	ToggleVideo(ctx context.Context) bool
	ToggleAudio(ctx context.Context) bool
	CreateRoom(ctx context.Context, name string, video, audio bool) (string, error)
	JoinRoom(ctx context.Context, roomID string, video, audio bool) error
	LeaveRoom(ctx context.Context) error
	ListActiveRooms(ctx context.Context) ([]models.Room, error)
	Presences(ctx context.Context) ([]models.PresenceRecord, error)
	RunDiagnostics(ctx context.Context) diagnostics.Report
	EmergencyReset(ctx context.Context)
	State() models.CallState
	OnStateChange(fn func(models.CallState))
	OnNotice(fn func(string))
	History() *history.Store
}

type mediaRequest struct {
	Video bool `json:"video"`
	Audio bool `json:"audio"`
}

type createRoomRequest struct {
	Name  string `json:"name"`
	Video bool   `json:"video"`
	Audio bool   `json:"audio"`
}

// Health check endpoint
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return SuccessResp(c, fiber.Map{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleState(c *fiber.Ctx) error {
	return SuccessResp(c, s.bridge.State())
}

func (s *Server) handlePresence(c *fiber.Ctx) error {
	records, err := s.bridge.Presences(c.Context())
	if err != nil {
		return ErrorInternalServerErrorResp(c, "Failed to read presence records")
	}
	return SuccessResp(c, records)
}

func (s *Server) handleStartCall(c *fiber.Ctx) error {
	req := mediaRequest{Video: true, Audio: true}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return ErrorBadRequestResp(c, "Invalid request body")
		}
	}

	if err := s.bridge.StartCall(c.Context(), req.Video, req.Audio); err != nil {
		return mapError(c, err)
	}
	return SuccessResp(c, s.bridge.State())
}

func (s *Server) handleAcceptCall(c *fiber.Ctx) error {
	if err := s.bridge.AcceptCall(c.Context()); err != nil {
		return mapError(c, err)
	}
	return SuccessResp(c, s.bridge.State())
}

func (s *Server) handleRejectCall(c *fiber.Ctx) error {
	if err := s.bridge.RejectCall(c.Context()); err != nil {
		return mapError(c, err)
	}
	return SuccessResp(c, s.bridge.State())
}

func (s *Server) handleEndCall(c *fiber.Ctx) error {
	if err := s.bridge.EndCall(c.Context()); err != nil {
		return mapError(c, err)
	}
	return SuccessResp(c, s.bridge.State())
}

func (s *Server) handleToggleVideo(c *fiber.Ctx) error {
	enabled := s.bridge.ToggleVideo(c.Context())
	return SuccessResp(c, fiber.Map{"enabled": enabled})
}

func (s *Server) handleToggleAudio(c *fiber.Ctx) error {
	enabled := s.bridge.ToggleAudio(c.Context())
	return SuccessResp(c, fiber.Map{"enabled": enabled})
}

func (s *Server) handleCreateRoom(c *fiber.Ctx) error {
	var req createRoomRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorBadRequestResp(c, "Invalid request body")
	}
	if req.Name == "" {
		return ErrorBadRequestResp(c, "name is required")
	}

	roomID, err := s.bridge.CreateRoom(c.Context(), req.Name, req.Video, req.Audio)
	if err != nil {
		return mapError(c, err)
	}
	return SuccessResp(c, fiber.Map{"roomId": roomID})
}

func (s *Server) handleListRooms(c *fiber.Ctx) error {
	rooms, err := s.bridge.ListActiveRooms(c.Context())
	if err != nil {
		return ErrorInternalServerErrorResp(c, "Failed to list rooms")
	}
	return SuccessResp(c, rooms)
}

func (s *Server) handleJoinRoom(c *fiber.Ctx) error {
	roomID := c.Params("id")
	if roomID == "" {
		return ErrorBadRequestResp(c, "room id is required")
	}

	req := mediaRequest{Video: true, Audio: true}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return ErrorBadRequestResp(c, "Invalid request body")
		}
	}

	if err := s.bridge.JoinRoom(c.Context(), roomID, req.Video, req.Audio); err != nil {
		return mapError(c, err)
	}
	return SuccessResp(c, s.bridge.State())
}

func (s *Server) handleLeaveRoom(c *fiber.Ctx) error {
	if err := s.bridge.LeaveRoom(c.Context()); err != nil {
		return mapError(c, err)
	}
	return SuccessResp(c, s.bridge.State())
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	store := s.bridge.History()
	if store == nil {
		return ErrorNotFoundResp(c, "History is disabled")
	}

	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		return ErrorBadRequestResp(c, "limit must be between 1 and 500")
	}

	var (
		records []*history.SessionRecord
		err     error
	)
	switch kind := c.Query("kind"); kind {
	case "":
		records, err = store.Recent(limit)
	case string(history.KindCall), string(history.KindRoom):
		records, err = store.RecentByKind(history.SessionKind(kind), limit)
	default:
		return ErrorBadRequestResp(c, "kind must be 'call' or 'room'")
	}
	if err != nil {
		return ErrorInternalServerErrorResp(c, "Failed to read history")
	}
	return SuccessResp(c, records)
}

func (s *Server) handleDiagnostics(c *fiber.Ctx) error {
	report := s.bridge.RunDiagnostics(c.Context())
	return SuccessResp(c, report)
}

func (s *Server) handleEmergencyReset(c *fiber.Ctx) error {
	s.bridge.EmergencyReset(c.Context())
	return SuccessResp(c, s.bridge.State())
}

// mapError translates session errors into HTTP status codes
func mapError(c *fiber.Ctx, err error) error {
	var throttled *guard.ThrottledError
	switch {
	case errors.As(err, &throttled):
		return ErrorResp(c, ApiError{
			Code:    fiber.StatusTooManyRequests,
			Message: err.Error(),
			Detail:  fiber.Map{"retryAfterMs": throttled.Wait.Milliseconds()},
		})
	case errors.Is(err, guard.ErrInProgress),
		errors.Is(err, call.ErrBusy),
		errors.Is(err, room.ErrAlreadyInRoom),
		errors.Is(err, room.ErrRoomInactive),
		errors.Is(err, room.ErrRoomFull),
		errors.Is(err, agent.ErrInCall),
		errors.Is(err, agent.ErrInRoom):
		return ErrorConflictResp(c, err.Error())
	case errors.Is(err, guard.ErrAttemptLimit):
		return ErrorTooManyResp(c, err.Error())
	case errors.Is(err, signaling.ErrRoomNotFound):
		return ErrorNotFoundResp(c, err.Error())
	case errors.Is(err, call.ErrNoIncomingCall),
		errors.Is(err, room.ErrNotInRoom):
		return ErrorBadRequestResp(c, err.Error())
	case errors.Is(err, media.ErrPermissionDenied):
		return ErrorCodeResp(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, supervise.ErrOffline):
		return ErrorCodeResp(c, fiber.StatusServiceUnavailable, err.Error())
	case errors.Is(err, supervise.ErrWatchdog):
		return ErrorCodeResp(c, fiber.StatusGatewayTimeout, err.Error())
	case errors.Is(err, agent.ErrDestroyed),
		errors.Is(err, call.ErrDestroyed),
		errors.Is(err, room.ErrDestroyed):
		return ErrorCodeResp(c, fiber.StatusServiceUnavailable, err.Error())
	default:
		return ErrorInternalServerErrorResp(c, err.Error())
	}
}

// event is one frame on the event stream
type event struct {
	Type    string            `json:"type"`
	State   *models.CallState `json:"state,omitempty"`
	Message string            `json:"message,omitempty"`
}

func stateEvent(state models.CallState) event {
	return event{Type: "state", State: &state}
}

func (h *eventHub) broadcastState(state models.CallState) {
	payload, err := json.Marshal(stateEvent(state))
	if err != nil {
		h.log.Warn("Failed to encode state event", "error", err)
		return
	}
	h.broadcast(payload)
}

func (h *eventHub) broadcastNotice(message string) {
	payload, err := json.Marshal(event{Type: "notice", Message: message})
	if err != nil {
		return
	}
	h.broadcast(payload)
}

// validToken checks the event-stream token against the configured hash
func validToken(provided, hash string) bool {
	return token.ValidFormat(provided) && token.Verify(provided, hash)
}
