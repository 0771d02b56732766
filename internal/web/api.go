package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	pperrors "github.com/pulsepoint/pulsetree/pkg/errors"
	"github.com/pulsepoint/pulsetree/pkg/models"
	"go.uber.org/zap"
)

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := s.session.RootInfo()
	writeJSON(w, http.StatusOK, ServerInfoResponse{
		SessionID:        info.SessionID,
		ServerVersion:    info.ServerVersion,
		ProtocolVersion:  ProtocolVersion,
		ProjectName:      info.ProjectName,
		ExpectedPlaceIDs: info.ExpectedPlaceIDs,
		RootInstanceID:   info.RootInstanceID,
	})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDs(mux.Vars(r)["ids"])
	if err != nil {
		writeError(w, err)
		return
	}

	instances, cursor, err := s.session.GetInstances(ids)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ReadResponse{
		SessionID:     s.session.RootInfo().SessionID,
		MessageCursor: cursor,
		Instances:     instances,
	})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	cursor, err := parseCursor(mux.Vars(r)["cursor"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.session.CheckSession(r.URL.Query().Get("sessionId")); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	records, next, err := s.session.WaitForChanges(ctx, cursor, s.config.SubscribeWait)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away
			return
		}
		if !errors.Is(err, context.Canceled) {
			writeError(w, err)
			return
		}
		// Server is stopping: answer like a timeout
		records, next = nil, cursor
	}
	if len(records) == 0 {
		webSubscribeTimeouts.Inc()
	}

	writeJSON(w, http.StatusOK, s.subscribeResponse(records, next))
}

func (s *Server) subscribeResponse(records []models.ChangeRecord, cursor uint64) SubscribeResponse {
	if records == nil {
		records = []models.ChangeRecord{}
	}
	return SubscribeResponse{
		SessionID:     s.session.RootInfo().SessionID,
		MessageCursor: cursor,
		Messages:      records,
	}
}

// handleSocket pushes a SubscribeResponse for every batch of records after
// the cursor in the URL, until the client, the server or the session goes
// away. Errors are sent as an ErrorResponse followed by a close.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	cursor, err := parseCursor(mux.Vars(r)["cursor"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.session.CheckSession(r.URL.Query().Get("sessionId")); err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	webSocketClients.Inc()
	defer webSocketClients.Dec()

	ctx, cancel := s.requestContext(r)
	defer cancel()
	// The feed is one way; CloseRead handles control frames and cancels
	// ctx when the client closes
	ctx = conn.CloseRead(ctx)

	for {
		records, next, err := s.session.WaitForChanges(ctx, cursor, s.config.SubscribeWait)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			resp, _ := errorResponse(err)
			_ = s.writeSocket(conn, resp)
			_ = conn.Close(websocket.StatusPolicyViolation, resp.Kind)
			return
		}

		if len(records) == 0 {
			select {
			case <-s.session.Done():
				_ = conn.Close(websocket.StatusGoingAway, "session stopped")
				return
			default:
				continue
			}
		}

		if err := s.writeSocket(conn, s.subscribeResponse(records, next)); err != nil {
			s.logger.Debug("WebSocket client write failed", zap.Error(err))
			return
		}
		cursor = next
	}
}

func (s *Server) writeSocket(conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func parseCursor(raw string) (uint64, error) {
	cursor, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, pperrors.NewBadRequestError(fmt.Sprintf("invalid cursor %q", raw), err)
	}
	return cursor, nil
}

func parseIDs(raw string) ([]models.InstanceID, error) {
	var ids []models.InstanceID
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := models.ParseInstanceID(part)
		if err != nil {
			return nil, pperrors.NewBadRequestError(err.Error(), err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, pperrors.NewBadRequestError("no instance ids given", nil)
	}
	return ids, nil
}
