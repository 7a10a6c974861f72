package handlers

import (
	"context"
	"net/http"

	"github.com/dakb-ai/dakb/internal/api"
	"github.com/dakb-ai/dakb/internal/api/middleware"
)

type IndexRebuilder interface {
	Rebuild(ctx context.Context) error
}

type IndexHandler struct {
	idx IndexRebuilder
}

func NewIndexHandler(idx IndexRebuilder) *IndexHandler {
	return &IndexHandler{idx: idx}
}

// Rebuild triggers a full index rebuild. Admin only; concurrent requests
// coalesce into a single rebuild inside the index manager.
func (h *IndexHandler) Rebuild(w http.ResponseWriter, r *http.Request) {
	req := middleware.GetRequester(r.Context())
	if !req.IsAdmin() {
		api.Error(w, http.StatusForbidden, "index rebuild requires the admin role")
		return
	}

	if err := h.idx.Rebuild(r.Context()); err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}
