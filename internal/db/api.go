package db

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/banshee-data/slamfeed/internal/httputil"
)

// RunDetail is a run together with its per-sensor outcome.
type RunDetail struct {
	Run
	Streams []StreamRow `json:"streams"`
}

// AttachRunRoutes mounts a read-only JSON view of the ledger:
//
//	GET /api/runs?limit=N          newest runs first
//	GET /api/runs/{id}             one run with its streams
//	GET /api/runs/{id}/batches     the batches delivered by a run
func (db *DB) AttachRunRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/runs", db.listRuns)
	mux.HandleFunc("/api/runs/{id}", db.showRun)
	mux.HandleFunc("/api/runs/{id}/batches", db.listBatches)
}

func (db *DB) listRuns(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := db.Runs(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if runs == nil {
		runs = []Run{}
	}
	httputil.WriteJSONOK(w, runs)
}

func (db *DB) showRun(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	id, ok := runID(w, r)
	if !ok {
		return
	}
	run, err := db.GetRun(r.Context(), id)
	if errors.Is(err, ErrRunNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	streams, err := db.RunStreams(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if streams == nil {
		streams = []StreamRow{}
	}
	httputil.WriteJSONOK(w, RunDetail{Run: *run, Streams: streams})
}

func (db *DB) listBatches(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	id, ok := runID(w, r)
	if !ok {
		return
	}
	if _, err := db.GetRun(r.Context(), id); errors.Is(err, ErrRunNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	rows, err := db.Batches(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if rows == nil {
		rows = []BatchRow{}
	}
	httputil.WriteJSONOK(w, rows)
}

func runID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.BadRequest(w, "invalid run id")
		return uuid.Nil, false
	}
	return id, true
}
