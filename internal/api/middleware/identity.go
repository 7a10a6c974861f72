package middleware

import (
	"context"
	"net/http"

	"github.com/dakb-ai/dakb/internal/api"
	"github.com/dakb-ai/dakb/internal/domain"
)

type contextKey string

const requesterKey contextKey = "requester"

// Identity headers set by the upstream gateway, which has already
// authenticated the agent. The service trusts them as-is.
const (
	HeaderAgentID = "X-DAKB-Agent"
	HeaderRole    = "X-DAKB-Role"
)

// AgentIdentity extracts the requester identity from gateway headers and
// rejects requests without one. Unknown roles downgrade to agent.
func AgentIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentID := r.Header.Get(HeaderAgentID)
		if agentID == "" {
			api.Error(w, http.StatusUnauthorized, "missing agent identity")
			return
		}

		role := domain.Role(r.Header.Get(HeaderRole))
		if role != domain.RoleAdmin {
			role = domain.RoleAgent
		}

		req := domain.Requester{AgentID: agentID, Role: role}
		ctx := context.WithValue(r.Context(), requesterKey, req)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequester returns the requester identity from context
func GetRequester(ctx context.Context) domain.Requester {
	req, _ := ctx.Value(requesterKey).(domain.Requester)
	return req
}
