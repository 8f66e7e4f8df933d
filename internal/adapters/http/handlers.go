package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/CareCall/internal/app"
	"github.com/dkeye/CareCall/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type CallHandlers struct {
	Orch *app.Orchestrator
}

type JoinRequest struct {
	Room string `json:"room"`
	User string `json:"user,omitempty"`
	Name string `json:"name,omitempty"`
}

// RoomView is the room document plus how many calls this server hosts in it.
type RoomView struct {
	domain.Room
	LocalCalls int `json:"localCalls"`
}

type ToggleResponse struct {
	Muted    *bool `json:"muted,omitempty"`
	VideoOff *bool `json:"videoOff,omitempty"`
}

func (h *CallHandlers) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Room == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid room"})
		return
	}
	cid := clientID(c)
	user := req.User
	if user == "" {
		user = string(cid)
	}
	p, err := domain.NewParticipant(user, req.Name)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	sess, err := h.Orch.Join(cid, string(p.ID), req.Room)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Str("cid", string(cid)).Str("room", req.Room).Msg("join failed")
		body := gin.H{"error": err.Error()}
		if sess != nil {
			body["status"] = sess.Status()
		}
		c.JSON(statusFor(err), body)
		return
	}
	c.JSON(http.StatusOK, sess.Status())
}

func (h *CallHandlers) Hangup(c *gin.Context) {
	if err := h.Orch.Hangup(clientID(c)); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": domain.StateClosed})
}

func (h *CallHandlers) Mute(c *gin.Context) {
	sess, err := h.Orch.Session(clientID(c))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	muted, err := sess.ToggleMute()
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ToggleResponse{Muted: &muted})
}

func (h *CallHandlers) Video(c *gin.Context) {
	sess, err := h.Orch.Session(clientID(c))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	off, err := sess.ToggleVideo()
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ToggleResponse{VideoOff: &off})
}

func (h *CallHandlers) Status(c *gin.Context) {
	sess, err := h.Orch.Session(clientID(c))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess.Status())
}

func (h *CallHandlers) Room(c *gin.Context) {
	room, ok, err := h.Orch.Room(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, RoomView{Room: room, LocalCalls: h.Orch.Registry.CallsInRoom(room.ID)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRoomIDEmpty),
		errors.Is(err, domain.ErrRoomIDTooLong),
		errors.Is(err, domain.ErrUserIDEmpty),
		errors.Is(err, domain.ErrUserIDTooLong),
		errors.Is(err, domain.ErrUsernameTooLong):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, app.ErrNoCall):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrMediaAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNoDeviceFound):
		return http.StatusFailedDependency
	case errors.Is(err, domain.ErrSignalingRead),
		errors.Is(err, domain.ErrSignalingWrite),
		errors.Is(err, domain.ErrNegotiationRace):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrNoLocalStream),
		errors.Is(err, domain.ErrSessionClosed),
		errors.Is(err, domain.ErrAlreadyJoined):
		return http.StatusConflict
	case domain.Fatal(err):
		// the transport dropped; the user has to join again
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
