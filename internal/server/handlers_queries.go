package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mit-bodhiq/bodhiq/internal/model"
)

// HandleCreateQuery handles POST /v1/queries.
func (h *Handlers) HandleCreateQuery(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req model.CreateQueryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateQueryText(req.QueryText); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var (
		q   model.Query
		err error
	)
	if m := strings.TrimSpace(req.Molecule); m != "" {
		q, err = h.queries.CreateQueryForMolecule(r.Context(), req.QueryText, userID, m)
	} else {
		q, err = h.queries.CreateQuery(r.Context(), req.QueryText, userID)
	}
	if err != nil {
		h.writeServiceError(w, r, "failed to create query", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, q)
}

// HandleListQueries handles GET /v1/queries. Only the caller's queries are
// listed.
func (h *Handlers) HandleListQueries(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	params := r.URL.Query()
	filter := model.QueryFilter{
		UserID:   userID,
		Molecule: params.Get("molecule"),
		Search:   params.Get("q"),
		Limit:    queryLimit(r, model.DefaultQueryLimit),
		Offset:   queryOffset(r),
	}
	if s := params.Get("status"); s != "" {
		status := model.QueryStatus(strings.ToUpper(s))
		if !status.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"invalid status: must be one of PENDING, PROCESSING, COMPLETED, FAILED")
			return
		}
		filter.Status = status
	}

	// Fetch one extra row to learn whether another page exists.
	limit := filter.Limit
	filter.Limit = limit + 1
	qs, err := h.queries.ListQueries(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, "failed to list queries", err)
		return
	}
	hasMore := len(qs) > limit
	if hasMore {
		qs = qs[:limit]
	}
	if qs == nil {
		qs = []model.Query{}
	}

	writeList(w, r, model.ListResponse{
		Data:    qs,
		Limit:   limit,
		Offset:  filter.Offset,
		HasMore: hasMore,
	})
}

// HandleGetQuery handles GET /v1/queries/{id}.
func (h *Handlers) HandleGetQuery(w http.ResponseWriter, r *http.Request) {
	q, ok := h.ownedQuery(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, q)
}

// HandleDeleteQuery handles DELETE /v1/queries/{id}.
func (h *Handlers) HandleDeleteQuery(w http.ResponseWriter, r *http.Request) {
	q, ok := h.ownedQuery(w, r)
	if !ok {
		return
	}
	if err := h.queries.DeleteQuery(r.Context(), q.ID); err != nil {
		h.writeServiceError(w, r, "failed to delete query", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleExecuteQuery handles POST /v1/queries/{id}/execute. The pipeline
// runs in the background; progress is followed on the progress endpoints.
func (h *Handlers) HandleExecuteQuery(w http.ResponseWriter, r *http.Request) {
	q, ok := h.ownedQuery(w, r)
	if !ok {
		return
	}
	if err := h.queries.StartAgents(r.Context(), q.ID); err != nil {
		h.writeServiceError(w, r, "failed to start pipeline", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.ExecuteResponse{
		QueryID:     q.ID,
		Status:      model.QueryProcessing,
		ProgressURL: fmt.Sprintf("/v1/queries/%d/progress", q.ID),
	})
}

// HandleCancelQuery handles POST /v1/queries/{id}/cancel.
func (h *Handlers) HandleCancelQuery(w http.ResponseWriter, r *http.Request) {
	q, ok := h.ownedQuery(w, r)
	if !ok {
		return
	}
	if !h.queries.CancelQuery(q.ID) {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "query is not running")
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.ExecuteResponse{QueryID: q.ID, Status: q.Status})
}

// HandleQueryResults handles GET /v1/queries/{id}/results.
func (h *Handlers) HandleQueryResults(w http.ResponseWriter, r *http.Request) {
	q, ok := h.ownedQuery(w, r)
	if !ok {
		return
	}
	results, err := h.queries.GetResults(r.Context(), q.ID)
	if err != nil {
		h.writeServiceError(w, r, "failed to load results", err)
		return
	}
	if results == nil {
		results = []model.AgentResult{}
	}
	writeJSON(w, r, http.StatusOK, results)
}

// ownedQuery resolves the {id} path value to a query owned by the caller,
// writing the error response when it cannot.
func (h *Handlers) ownedQuery(w http.ResponseWriter, r *http.Request) (model.Query, bool) {
	userID, ok := callerID(w, r)
	if !ok {
		return model.Query{}, false
	}
	id, err := parseQueryID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return model.Query{}, false
	}
	q, err := h.queries.GetOwnedQuery(r.Context(), id, userID)
	if err != nil {
		h.writeServiceError(w, r, "failed to load query", err)
		return model.Query{}, false
	}
	return q, true
}
