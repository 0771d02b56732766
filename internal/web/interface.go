// Package web serves a session's tree and change log over HTTP: JSON read
// and subscribe endpoints, a WebSocket change feed, and a few plain pages
// for humans.
package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/pulsepoint/pulsetree/internal/session"
	pperrors "github.com/pulsepoint/pulsetree/pkg/errors"
	"github.com/pulsepoint/pulsetree/pkg/models"
)

// ProtocolVersion is bumped whenever a response shape changes incompatibly
const ProtocolVersion = 3

// Session is the part of session.ServeSession the server uses
type Session interface {
	RootInfo() session.Info
	CheckSession(sessionID string) error
	GetInstances(ids []models.InstanceID) (map[models.InstanceID]models.Instance, uint64, error)
	ChangesSince(cursor uint64) ([]models.ChangeRecord, uint64, error)
	WaitForChanges(ctx context.Context, cursor uint64, maxWait time.Duration) ([]models.ChangeRecord, uint64, error)
	Stats() map[string]interface{}
	Done() <-chan struct{}
	DumpTree(w io.Writer) error
	DumpImfs(w io.Writer) error
}

// ServerInfoResponse is returned by /api/rojo
type ServerInfoResponse struct {
	SessionID        string            `json:"sessionId"`
	ServerVersion    string            `json:"serverVersion"`
	ProtocolVersion  int               `json:"protocolVersion"`
	ProjectName      string            `json:"projectName"`
	ExpectedPlaceIDs []uint64          `json:"expectedPlaceIds,omitempty"`
	RootInstanceID   models.InstanceID `json:"rootInstanceId"`
}

// ReadResponse is returned by /api/read/{ids}
type ReadResponse struct {
	SessionID     string                                `json:"sessionId"`
	MessageCursor uint64                                `json:"messageCursor"`
	Instances     map[models.InstanceID]models.Instance `json:"instances"`
}

// SubscribeResponse is returned by /api/subscribe/{cursor} and pushed over
// /api/socket/{cursor}
type SubscribeResponse struct {
	SessionID     string                `json:"sessionId"`
	MessageCursor uint64                `json:"messageCursor"`
	Messages      []models.ChangeRecord `json:"messages"`
}

// ErrorResponse is the body of every failed API request
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Details string `json:"details"`
}

// Error kinds as seen by clients
const (
	KindNotFound     = "NotFound"
	KindStaleSession = "StaleSession"
	KindBadRequest   = "BadRequest"
	KindInternal     = "InternalError"
)

// errorResponse maps err to its wire form and HTTP status
func errorResponse(err error) (ErrorResponse, int) {
	var pe *pperrors.PulseError
	details := err.Error()
	if errors.As(err, &pe) {
		details = pe.Message
	}

	switch pperrors.TypeOf(err) {
	case pperrors.NotFoundError:
		return ErrorResponse{Kind: KindNotFound, Details: details}, http.StatusNotFound
	case pperrors.StaleSessionError:
		return ErrorResponse{Kind: KindStaleSession, Details: details}, http.StatusConflict
	case pperrors.BadRequestError, pperrors.ValidationError:
		return ErrorResponse{Kind: KindBadRequest, Details: details}, http.StatusBadRequest
	default:
		return ErrorResponse{Kind: KindInternal, Details: details}, http.StatusInternalServerError
	}
}
