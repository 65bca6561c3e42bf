package push

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tradelive/logger"
	"tradelive/middleware"
	"tradelive/service/events"
	"tradelive/service/hub"
	"tradelive/tools/ids"
)

// API is the HTTP face of the outward broadcast surface, for services that
// prefer a synchronous call over publishing to NATS. Same semantics, same
// broadcast engine underneath.
type API struct {
	srv          *hub.Server
	participants events.ParticipantLister
}

func NewAPI(srv *hub.Server, participants events.ParticipantLister) *API {
	return &API{srv: srv, participants: participants}
}

// Register mounts the routes under /internal, guarded by the shared secret.
func (a *API) Register(r *gin.Engine, secret string) {
	g := r.Group("/internal", middleware.InternalAuth(secret))
	g.POST("/push/message", a.pushMessage)
	g.POST("/push/message-read", a.pushMessageRead)
	g.POST("/push/session-update", a.pushSessionUpdate)
	g.POST("/push/notification", a.pushNotification)
	g.GET("/stats", a.stats)
	g.GET("/online/:userId", a.online)
}

func (a *API) pushMessage(c *gin.Context) {
	var ev hub.NewMessageEvent
	if err := c.ShouldBindJSON(&ev); err != nil || ev.ConversationID == "" || ev.SenderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message event"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	participants, err := a.participants.Participants(ctx, ev.ConversationID)
	if err != nil {
		logger.Warnf("[push] participant lookup failed conv=%s: %v", ev.ConversationID, err)
		participants = nil
	}
	a.srv.Broadcaster().BroadcastNewMessage(ev, participants)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *API) pushMessageRead(c *gin.Context) {
	var ev hub.MessageReadEvent
	if err := c.ShouldBindJSON(&ev); err != nil || ev.ConversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid read event"})
		return
	}
	a.srv.Broadcaster().BroadcastMessageRead(ev)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *API) pushSessionUpdate(c *gin.Context) {
	var ev hub.SessionUpdateEvent
	if err := c.ShouldBindJSON(&ev); err != nil || ev.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session event"})
		return
	}
	a.srv.Broadcaster().BroadcastSessionUpdate(ev)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *API) pushNotification(c *gin.Context) {
	var req struct {
		UserID string `json:"userId"`
		hub.NotificationEvent
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification"})
		return
	}
	if req.NotificationEvent.ID == "" {
		req.NotificationEvent.ID = ids.GenerateEventID()
	}
	a.srv.Broadcaster().SendNotificationToUser(req.UserID, req.NotificationEvent)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *API) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connections": a.srv.Registry().CountConnections(),
		"users":       a.srv.Registry().CountUsers(),
	})
}

func (a *API) online(c *gin.Context) {
	userID := c.Param("userId")
	c.JSON(http.StatusOK, gin.H{
		"userId": userID,
		"online": a.srv.Registry().IsOnline(userID),
	})
}
