package httpapi

import (
	"net/http"
	"time"

	"github.com/jdziat/simple-study-runs/pkg/core"
)

const defaultStatsWindow = 24 * time.Hour

func (h *handler) batchStats(w http.ResponseWriter, r *http.Request) {
	batchID, err := idParam(r, "batchID")
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	until := time.Now()
	since := until.Add(-defaultStatsWindow)
	if since, err = timeQuery(r, "since", since); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if until, err = timeQuery(r, "until", until); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if !since.Before(until) {
		h.writeErr(w, r, core.BadRequest("since must be before until"))
		return
	}

	history, err := h.cfg.stats.History(r.Context(), batchID, since, until)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	out := make([]statView, 0, len(history))
	for _, s := range history {
		out = append(out, statView{
			Timestamp: s.Timestamp,
			Started:   s.Started,
			Finished:  s.Finished,
			Failed:    s.Failed,
			Aborted:   s.Aborted,
			Abandoned: s.Abandoned,
			Reloaded:  s.Reloaded,
			OpenRuns:  s.OpenRuns,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"batchId": batchID, "stats": out})
}

func timeQuery(r *http.Request, name string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, core.BadRequest("invalid %s %q", name, v)
	}
	return t, nil
}
