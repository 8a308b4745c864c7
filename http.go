package scoped

import (
	"net/http"

	"go.uber.org/zap"
)

// ConversationParam is the query parameter that carries a conversation id.
const ConversationParam = "cid"

// SessionIDFunc extracts the session id of a request. An empty id means the
// request has no session.
type SessionIDFunc func(r *http.Request) string

// SessionCookie reads the session id from the named cookie.
func SessionCookie(name string) SessionIDFunc {
	return func(r *http.Request) string {
		cookie, err := r.Cookie(name)
		if err != nil {
			return ""
		}
		return cookie.Value
	}
}

// SessionHeader reads the session id from the named header.
func SessionHeader(name string) SessionIDFunc {
	return func(r *http.Request) string {
		return r.Header.Get(name)
	}
}

// Middleware runs every request in its own unit: request context started before
// the handler and destroyed after it, session joined through sessionID and a
// conversation joined when ConversationParam names one that is still running.
// Unknown conversation ids are ignored; handlers begin conversations with
// Registry().InitConversation(u, ""). Handlers get the unit with
// UnitFrom(r.Context()).
func (c *Container) Middleware(sessionID SessionIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var sid string
			if sessionID != nil {
				sid = sessionID(r)
			}
			u, err := c.BeginRequest(r.Context(), sid)
			if err != nil {
				c.logger.Error("failed to begin request", zap.Error(err))
				http.Error(w, "request scope unavailable", http.StatusInternalServerError)
				return
			}
			if cid := r.URL.Query().Get(ConversationParam); cid != "" {
				if c.registry.Conversation(cid) != nil {
					c.registry.InitConversation(u, cid)
				} else {
					c.logger.Debug("ignoring unknown conversation", zap.String("cid", cid))
				}
			}
			defer func() {
				if err := c.EndRequest(u); err != nil {
					c.logger.Warn("failed to end request", zap.String("unit", u.ID()), zap.Error(err))
				}
			}()

			next.ServeHTTP(w, r.WithContext(WithUnit(r.Context(), u)))
		})
	}
}
