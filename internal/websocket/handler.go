package websocket

import (
	"context"
	"errors"

	"github.com/Dancode-188/padsync/internal/ot"
	"github.com/Dancode-188/padsync/internal/protocol"
	"github.com/Dancode-188/padsync/internal/session"
	"github.com/Dancode-188/padsync/internal/storage"
	"github.com/google/uuid"
)

// handleMessage handles one client message. It returns false when the
// connection must be dropped.
func (c *Connection) handleMessage(ctx context.Context, msg *protocol.Message) bool {
	switch msg.Type {
	case protocol.TypePing:
		c.SendMessage(protocol.TypePong, map[string]interface{}{"id": msg.ID})

	case protocol.TypeAttach:
		var p protocol.AttachPayload
		if err := msg.DecodePayload(&p); err != nil {
			c.SendError(err.Error(), protocol.CodeInvalidMessage)
			return true
		}
		if id := c.clearSession(""); id != "" {
			c.manager.Detach(id)
		}

		sessionID := uuid.NewString()
		// set first so a concurrent eviction can find it
		c.setSession(sessionID, p.Document)
		if _, err := c.manager.Attach(ctx, p.Document, sessionID, p.Name, c); err != nil {
			c.clearSession(sessionID)
			return c.reportError(err)
		}
		c.log.Debug().Str("session", sessionID).Str("document", p.Document).Msg("attached")

	case protocol.TypeDetach:
		if id := c.clearSession(""); id != "" {
			c.manager.Detach(id)
		}

	case protocol.TypeSubmit:
		sessionID, document := c.Session()
		if sessionID == "" {
			c.SendError("not attached to a document", protocol.CodeUnknownSession)
			return false
		}
		var p protocol.SubmitPayload
		if err := msg.DecodePayload(&p); err != nil {
			return c.reportError(errors.Join(ot.ErrMalformedOperation, err))
		}
		_, err := c.manager.Submit(ctx, session.SubmitRequest{
			SessionID:    sessionID,
			Document:     document,
			BaseRevision: p.Revision,
			Operation:    p.Operation,
		})
		if err != nil {
			return c.reportError(err)
		}

	case protocol.TypeRename:
		var p protocol.RenamePayload
		if err := msg.DecodePayload(&p); err != nil {
			c.SendError(err.Error(), protocol.CodeInvalidMessage)
			return true
		}
		sessionID, _ := c.Session()
		if err := c.manager.Rename(ctx, sessionID, p.Name); err != nil {
			return c.reportError(err)
		}

	case protocol.TypeChat:
		var p protocol.ChatPayload
		if err := msg.DecodePayload(&p); err != nil {
			c.SendError(err.Error(), protocol.CodeInvalidMessage)
			return true
		}
		sessionID, _ := c.Session()
		if err := c.manager.Chat(ctx, sessionID, p.Text); err != nil {
			return c.reportError(err)
		}

	default:
		c.SendError("unexpected message type "+msg.Type, protocol.CodeInvalidMessage)
	}
	return true
}

// reportError sends err to the client and reports whether the connection
// may stay open. Protocol violations close it.
func (c *Connection) reportError(err error) bool {
	code := ErrorCode(err)
	c.SendError(err.Error(), code)

	switch code {
	case protocol.CodeUnknownSession, protocol.CodeRevisionAhead:
		c.log.Warn().Err(err).Str("code", code).Msg("protocol violation, closing connection")
		return false
	case protocol.CodeInternal, protocol.CodePersistenceFailure:
		c.log.Error().Err(err).Str("code", code).Msg("request failed")
	default:
		c.log.Debug().Err(err).Str("code", code).Msg("request rejected")
	}
	return true
}

// ErrorCode maps an error to its protocol error code
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ot.ErrMalformedOperation):
		return protocol.CodeMalformedOperation
	case errors.Is(err, session.ErrUnknownSession):
		return protocol.CodeUnknownSession
	case errors.Is(err, session.ErrRevisionAhead):
		return protocol.CodeRevisionAhead
	case errors.Is(err, storage.ErrPersistenceFailure):
		return protocol.CodePersistenceFailure
	case errors.Is(err, session.ErrInvalidDocument):
		return protocol.CodeInvalidDocument
	case errors.Is(err, session.ErrDocumentTooLarge):
		return protocol.CodeDocumentTooLarge
	case errors.Is(err, session.ErrSlowConsumer):
		return protocol.CodeResyncRequired
	default:
		return protocol.CodeInternal
	}
}
