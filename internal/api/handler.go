package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"labremote/internal/network"
	"labremote/internal/presence"
	"labremote/internal/protocol"
)

// Clients is the part of the connection registry the API drives.
type Clients interface {
	Identities() []string
	StartApplication(identity string, req protocol.ExecutionRequest) error
	StopApplication(identity string, req protocol.ExecutionRequest) error
	SendMessage(identity, text string) error
}

// Directory reports what connected workstations have told the coordinator.
type Directory interface {
	HostName(address string) string
	AppState(address string) (protocol.AppState, bool)
}

type SessionHistory interface {
	Recent(ctx context.Context, limit int) ([]presence.ClientSession, error)
}

type ClientHandler struct {
	clients  Clients
	hosts    Directory
	sessions SessionHistory
	logger   *slog.Logger
}

// NewClientHandler builds the handler. hosts and sessions may be nil.
func NewClientHandler(clients Clients, hosts Directory, sessions SessionHistory, logger *slog.Logger) *ClientHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientHandler{clients: clients, hosts: hosts, sessions: sessions, logger: logger}
}

func (h *ClientHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/clients", h.List)
	rg.POST("/clients/:address/start", h.Start)
	rg.POST("/clients/:address/stop", h.Stop)
	rg.POST("/clients/:address/message", h.Message)
	rg.GET("/sessions", h.Sessions)
}

func (h *ClientHandler) List(c *gin.Context) {
	ids := h.clients.Identities()
	resp := make([]ClientResponse, 0, len(ids))
	for _, id := range ids {
		entry := ClientResponse{Address: id}
		if h.hosts != nil {
			entry.HostName = h.hosts.HostName(id)
			if state, ok := h.hosts.AppState(id); ok {
				entry.ApplicationState = state.String()
			}
		}
		resp = append(resp, entry)
	}
	c.JSON(http.StatusOK, gin.H{"clients": resp})
}

func (h *ClientHandler) Start(c *gin.Context) {
	h.application(c, h.clients.StartApplication)
}

func (h *ClientHandler) Stop(c *gin.Context) {
	h.application(c, h.clients.StopApplication)
}

func (h *ClientHandler) application(c *gin.Context, send func(string, protocol.ExecutionRequest) error) {
	var req ApplicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	address := c.Param("address")
	if err := send(address, req.toExecution()); err != nil {
		h.fail(c, address, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"address": address, "name": req.Name})
}

func (h *ClientHandler) Message(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	address := c.Param("address")
	if err := h.clients.SendMessage(address, req.Message); err != nil {
		h.fail(c, address, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"address": address})
}

func (h *ClientHandler) Sessions(c *gin.Context) {
	if h.sessions == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session history is disabled"})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	rows, err := h.sessions.Recent(ctx, limit)
	if err != nil {
		h.logger.Error("session_history_failed", "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sessions"})
		return
	}

	resp := make([]SessionResponse, 0, len(rows))
	for _, r := range rows {
		resp = append(resp, SessionResponse{
			Address:        r.Address,
			HostName:       r.HostName,
			ConnectedAt:    r.ConnectedAt,
			DisconnectedAt: r.DisconnectedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": resp})
}

func (h *ClientHandler) fail(c *gin.Context, address string, err error) {
	switch {
	case errors.Is(err, network.ErrUnknownPeer):
		c.JSON(http.StatusNotFound, gin.H{"error": "client not connected", "address": address})
	case errors.Is(err, protocol.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Warn("command_failed",
			"address", address,
			"error", err.Error(),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to reach client", "address": address})
	}
}
