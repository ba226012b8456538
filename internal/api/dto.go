package api

import (
	"time"

	"labremote/internal/protocol"
)

// ApplicationRequest is the body of the start and stop routes.
type ApplicationRequest struct {
	Name string `json:"name" binding:"required"`
	Path string `json:"path" binding:"required"`
	Args string `json:"args"`
}

func (r ApplicationRequest) toExecution() protocol.ExecutionRequest {
	return protocol.ExecutionRequest{Name: r.Name, Path: r.Path, Args: r.Args}
}

type MessageRequest struct {
	Message string `json:"message" binding:"required"`
}

type ClientResponse struct {
	Address          string `json:"address"`
	HostName         string `json:"host_name,omitempty"`
	ApplicationState string `json:"application_state,omitempty"`
}

type SessionResponse struct {
	Address        string     `json:"address"`
	HostName       string     `json:"host_name,omitempty"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}
