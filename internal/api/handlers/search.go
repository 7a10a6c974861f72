package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dakb-ai/dakb/internal/api"
	"github.com/dakb-ai/dakb/internal/api/middleware"
	"github.com/dakb-ai/dakb/internal/domain"
	"github.com/dakb-ai/dakb/internal/service"
)

type SearchServiceInterface interface {
	Search(ctx context.Context, req domain.Requester, input service.SearchInput) ([]service.SearchResult, error)
}

type SearchHandler struct {
	svc SearchServiceInterface
}

func NewSearchHandler(svc SearchServiceInterface) *SearchHandler {
	return &SearchHandler{svc: svc}
}

// SearchRequest is the search request body. Limit is a pointer so an
// absent field gets the server default while an explicit 0 is rejected.
type SearchRequest struct {
	Query    string  `json:"query"`
	Limit    *int    `json:"limit"`
	MinScore float64 `json:"min_score"`
	Category string  `json:"category"`
}

type SearchResultResponse struct {
	Entry      *EntryResponse `json:"entry"`
	Similarity float64        `json:"similarity"`
}

type SearchResponse struct {
	Results []SearchResultResponse `json:"results"`
}

func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var body SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	limit := service.DefaultSearchLimit
	if body.Limit != nil {
		limit = *body.Limit
	}

	results, err := h.svc.Search(r.Context(), middleware.GetRequester(r.Context()), service.SearchInput{
		Query:    body.Query,
		Limit:    limit,
		MinScore: body.MinScore,
		Category: domain.Category(body.Category),
	})
	if err != nil {
		api.HandleError(w, err)
		return
	}

	resp := SearchResponse{Results: make([]SearchResultResponse, 0, len(results))}
	for _, res := range results {
		resp.Results = append(resp.Results, SearchResultResponse{
			Entry:      entryToResponse(res.Entry),
			Similarity: res.Similarity,
		})
	}
	api.Success(w, http.StatusOK, resp)
}
