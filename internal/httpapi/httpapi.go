// Package httpapi is the thin HTTP surface over the core's commands and
// queries (spec §6). The full HTTP contract (request validation, auth
// token issuance, response shaping) is explicitly out of scope; this
// package wires just enough chi routing to drive the commands from a
// process, grounded in the teacher's xrpc router shape.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tabularis.dev/core/internal/apperr"
	"tabularis.dev/core/internal/commands"
	"tabularis.dev/core/internal/permit"
	"tabularis.dev/core/internal/pgstore"
)

// API bundles the dependencies every handler needs. Handlers only ever
// reach the database through Commands, so every request is permission
// checked (spec §9) — there's no store handle here to bypass it with.
type API struct {
	Commands *commands.Commands
	Enforcer *permit.Enforcer
	Log      *slog.Logger
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/datasets", func(r chi.Router) {
		r.Post("/", a.createDataset)
		r.Get("/{datasetID}", a.getDataset)
		r.Patch("/{datasetID}", a.updateDataset)

		r.Get("/{datasetID}/refs", a.listRefs)
		r.Post("/{datasetID}/refs", a.createRef)
		r.Delete("/{datasetID}/refs/{refName}", a.deleteRef)

		r.Get("/{datasetID}/commits/{commitID}", a.getCommit)
		r.Get("/{datasetID}/commits/{commitID}/history", a.listCommitHistory)
		r.Get("/{datasetID}/commits/{commitID}/tables", a.listTables)

		r.Post("/{datasetID}/jobs", a.createJob)
		r.Get("/{datasetID}/jobs/{jobID}", a.getJob)
		r.Post("/{datasetID}/jobs/{jobID}/cancel", a.cancelJob)
	})

	return r
}

func (a *API) createDataset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string `json:"name"`
		Description   string `json:"description"`
		DefaultBranch string `json:"default_branch"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	dataset, commit, err := a.Commands.CreateDataset(r.Context(), req.Name, req.Description, req.DefaultBranch, requesterID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"dataset": dataset, "initial_commit": commit})
}

func (a *API) getDataset(w http.ResponseWriter, r *http.Request) {
	datasetID := chi.URLParam(r, "datasetID")
	dataset, err := a.Commands.GetDataset(r.Context(), datasetID, requesterID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dataset)
}

func (a *API) updateDataset(w http.ResponseWriter, r *http.Request) {
	datasetID := chi.URLParam(r, "datasetID")
	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.Commands.UpdateDataset(r.Context(), datasetID, req.Name, req.Description, requesterID(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listRefs(w http.ResponseWriter, r *http.Request) {
	datasetID := chi.URLParam(r, "datasetID")
	refs, err := a.Commands.ListRefs(r.Context(), datasetID, requesterID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refs": refs})
}

func (a *API) createRef(w http.ResponseWriter, r *http.Request) {
	datasetID := chi.URLParam(r, "datasetID")
	var req struct {
		Name         string `json:"name"`
		FromCommitID string `json:"from_commit_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	ref, err := a.Commands.CreateRef(r.Context(), datasetID, req.Name, req.FromCommitID, requesterID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

func (a *API) deleteRef(w http.ResponseWriter, r *http.Request) {
	datasetID := chi.URLParam(r, "datasetID")
	refName := chi.URLParam(r, "refName")
	if err := a.Commands.DeleteRef(r.Context(), datasetID, refName, requesterID(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getCommit(w http.ResponseWriter, r *http.Request) {
	commitID := chi.URLParam(r, "commitID")
	commit, err := a.Commands.GetCommit(r.Context(), commitID, requesterID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commit)
}

func (a *API) listCommitHistory(w http.ResponseWriter, r *http.Request) {
	datasetID := chi.URLParam(r, "datasetID")
	commitID := chi.URLParam(r, "commitID")
	history, err := a.Commands.ListCommits(r.Context(), datasetID, commitID, 100, requesterID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *API) listTables(w http.ResponseWriter, r *http.Request) {
	commitID := chi.URLParam(r, "commitID")
	tables, err := a.Commands.CheckoutListTables(r.Context(), commitID, requesterID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tables)
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	datasetID := chi.URLParam(r, "datasetID")
	var req struct {
		RunType    pgstore.RunType `json:"run_type"`
		Parameters map[string]any `json:"parameters"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	job, err := a.Commands.CreateJob(r.Context(), datasetID, req.RunType, req.Parameters, requesterID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := a.Commands.GetJob(r.Context(), jobID, requesterID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := a.Commands.CancelJob(r.Context(), jobID, requesterID(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func requesterID(r *http.Request) string {
	if v := r.Header.Get("X-User-Id"); v != "" {
		return v
	}
	return "anonymous"
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeErr(w, apperr.Validationf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	if appErr, ok := apperr.As(err); ok {
		writeJSON(w, apperr.HTTPStatus(appErr.Kind), map[string]any{
			"kind":    appErr.Kind,
			"message": appErr.Message,
			"details": appErr.Details,
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"kind": apperr.Internal, "message": err.Error()})
}
