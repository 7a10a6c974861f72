package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dakb-ai/dakb/internal/api"
	"github.com/dakb-ai/dakb/internal/api/middleware"
	"github.com/dakb-ai/dakb/internal/domain"
	"github.com/dakb-ai/dakb/internal/repository"
	"github.com/dakb-ai/dakb/internal/service"
)

type KnowledgeService interface {
	Create(ctx context.Context, req domain.Requester, input service.CreateInput) (*domain.Entry, error)
	Get(ctx context.Context, req domain.Requester, id string) (*domain.Entry, error)
	Update(ctx context.Context, req domain.Requester, input service.UpdateInput) (*domain.Entry, error)
	Vote(ctx context.Context, req domain.Requester, id string, kind domain.VoteKind) (*domain.Entry, error)
	Delete(ctx context.Context, req domain.Requester, id string) error
	List(ctx context.Context, req domain.Requester, input service.ListInput) (*service.ListOutput, error)
	Stats(ctx context.Context) (*repository.Stats, error)
}

type KnowledgeHandler struct {
	svc KnowledgeService
}

func NewKnowledgeHandler(svc KnowledgeService) *KnowledgeHandler {
	return &KnowledgeHandler{svc: svc}
}

type CreateEntryRequest struct {
	Title       string   `json:"title"`
	Content     string   `json:"content"`
	ContentType string   `json:"content_type"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
	AccessScope string   `json:"access_scope"`
	AllowAgents []string `json:"allow_agents"`
}

type UpdateEntryRequest struct {
	Title           *string   `json:"title"`
	Content         *string   `json:"content"`
	Category        *string   `json:"category"`
	Tags            *[]string `json:"tags"`
	AccessScope     *string   `json:"access_scope"`
	AllowAgents     *[]string `json:"allow_agents"`
	ExpectedVersion int64     `json:"expected_version"`
}

type VoteRequest struct {
	Kind string `json:"kind"`
}

type VoteTallyResponse struct {
	Helpful   int `json:"helpful"`
	Unhelpful int `json:"unhelpful"`
	Outdated  int `json:"outdated"`
	Incorrect int `json:"incorrect"`
}

type EntryResponse struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Content     string            `json:"content"`
	ContentType string            `json:"content_type"`
	Category    string            `json:"category"`
	Tags        []string          `json:"tags,omitempty"`
	AccessScope string            `json:"access_scope"`
	AllowAgents []string          `json:"allow_agents,omitempty"`
	OwnerID     string            `json:"owner_id"`
	Votes       VoteTallyResponse `json:"votes"`
	Confidence  float64           `json:"confidence"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
	ExpiresAt   string            `json:"expires_at,omitempty"`
	Version     int64             `json:"version"`
}

func entryToResponse(e *domain.Entry) *EntryResponse {
	resp := &EntryResponse{
		ID:          e.ID,
		Title:       e.Title,
		Content:     e.Content,
		ContentType: string(e.ContentType),
		Category:    string(e.Category),
		Tags:        e.Tags,
		AccessScope: string(e.AccessScope),
		AllowAgents: e.AllowAgents,
		OwnerID:     e.OwnerID,
		Votes: VoteTallyResponse{
			Helpful:   e.Votes.Helpful,
			Unhelpful: e.Votes.Unhelpful,
			Outdated:  e.Votes.Outdated,
			Incorrect: e.Votes.Incorrect,
		},
		Confidence: e.Confidence,
		CreatedAt:  e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  e.UpdatedAt.Format(time.RFC3339),
		Version:    e.Version,
	}
	if e.ExpiresAt != nil {
		resp.ExpiresAt = e.ExpiresAt.Format(time.RFC3339)
	}
	return resp
}

func (h *KnowledgeHandler) Create(w http.ResponseWriter, r *http.Request) {
	req := middleware.GetRequester(r.Context())

	var body CreateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := h.svc.Create(r.Context(), req, service.CreateInput{
		Title:       body.Title,
		Content:     body.Content,
		ContentType: domain.ContentType(body.ContentType),
		Category:    domain.Category(body.Category),
		Tags:        body.Tags,
		AccessScope: domain.AccessScope(body.AccessScope),
		AllowAgents: body.AllowAgents,
	})
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusCreated, entryToResponse(entry))
}

func (h *KnowledgeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	entry, err := h.svc.Get(r.Context(), middleware.GetRequester(r.Context()), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, entryToResponse(entry))
}

func (h *KnowledgeHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	var body UpdateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	input := service.UpdateInput{
		EntryID:         id,
		Title:           body.Title,
		Content:         body.Content,
		Tags:            body.Tags,
		AllowAgents:     body.AllowAgents,
		ExpectedVersion: body.ExpectedVersion,
	}
	if body.Category != nil {
		cat := domain.Category(*body.Category)
		input.Category = &cat
	}
	if body.AccessScope != nil {
		scope := domain.AccessScope(*body.AccessScope)
		input.AccessScope = &scope
	}

	entry, err := h.svc.Update(r.Context(), middleware.GetRequester(r.Context()), input)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, entryToResponse(entry))
}

func (h *KnowledgeHandler) Vote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	var body VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := h.svc.Vote(r.Context(), middleware.GetRequester(r.Context()), id, domain.VoteKind(body.Kind))
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, entryToResponse(entry))
}

func (h *KnowledgeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := h.svc.Delete(r.Context(), middleware.GetRequester(r.Context()), id); err != nil {
		api.HandleError(w, err)
		return
	}

	api.JSON(w, http.StatusNoContent, nil)
}

type ListEntriesResponse struct {
	Items   []*EntryResponse `json:"items"`
	Cursor  string           `json:"cursor,omitempty"`
	HasMore bool             `json:"has_more"`
}

func (h *KnowledgeHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			api.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	out, err := h.svc.List(r.Context(), middleware.GetRequester(r.Context()), service.ListInput{
		Category:    domain.Category(r.URL.Query().Get("category")),
		ContentType: domain.ContentType(r.URL.Query().Get("content_type")),
		Cursor:      r.URL.Query().Get("cursor"),
		Limit:       limit,
	})
	if err != nil {
		api.HandleError(w, err)
		return
	}

	resp := ListEntriesResponse{
		Items:   make([]*EntryResponse, 0, len(out.Items)),
		Cursor:  out.Cursor,
		HasMore: out.HasMore,
	}
	for _, e := range out.Items {
		resp.Items = append(resp.Items, entryToResponse(e))
	}
	api.Success(w, http.StatusOK, resp)
}

type StatsResponse struct {
	Total         int64            `json:"total"`
	ByCategory    map[string]int64 `json:"by_category"`
	ByContentType map[string]int64 `json:"by_content_type"`
}

func (h *KnowledgeHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		api.HandleError(w, err)
		return
	}

	resp := StatsResponse{
		Total:         stats.Total,
		ByCategory:    make(map[string]int64, len(stats.ByCategory)),
		ByContentType: make(map[string]int64, len(stats.ByContentType)),
	}
	for cat, n := range stats.ByCategory {
		resp.ByCategory[string(cat)] = n
	}
	for ct, n := range stats.ByContentType {
		resp.ByContentType[string(ct)] = n
	}
	api.Success(w, http.StatusOK, resp)
}
