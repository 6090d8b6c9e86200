package httpapi

import (
	"net/http"

	"github.com/jdziat/simple-study-runs/pkg/core"
)

func (h *handler) joinGroup(w http.ResponseWriter, r *http.Request) {
	jar := h.engine.Extract(r.Cookies())
	id, err := idParam(r, "studyResultID")
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	gr, err := h.engine.JoinGroup(r.Context(), jar, id, AccountFrom(r.Context()))
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	h.respond(w, jar, http.StatusOK, newGroupView(gr))
}

func (h *handler) leaveGroup(w http.ResponseWriter, r *http.Request) {
	jar := h.engine.Extract(r.Cookies())
	id, err := idParam(r, "studyResultID")
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	if err := h.engine.LeaveGroup(r.Context(), jar, id, AccountFrom(r.Context())); err != nil {
		h.fail(w, r, jar, err)
		return
	}
	h.respond(w, jar, http.StatusNoContent, nil)
}

func (h *handler) reassignGroup(w http.ResponseWriter, r *http.Request) {
	jar := h.engine.Extract(r.Cookies())
	id, err := idParam(r, "studyResultID")
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	gr, err := h.engine.ReassignGroup(r.Context(), jar, id, AccountFrom(r.Context()))
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	h.respond(w, jar, http.StatusOK, newGroupView(gr))
}

func (h *handler) fixGroup(w http.ResponseWriter, r *http.Request) {
	jar := h.engine.Extract(r.Cookies())
	id, err := idParam(r, "studyResultID")
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	gr, err := h.engine.FixGroup(r.Context(), jar, id, AccountFrom(r.Context()))
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	h.respond(w, jar, http.StatusOK, newGroupView(gr))
}

func (h *handler) groupMembers(w http.ResponseWriter, r *http.Request) {
	jar := h.engine.Extract(r.Cookies())
	id, err := idParam(r, "studyResultID")
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	members, err := h.engine.GroupMembers(r.Context(), jar, id, AccountFrom(r.Context()))
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	h.respond(w, jar, http.StatusOK, map[string][]uint64{"members": memberIDs(members)})
}

func memberIDs(members []*core.StudyResult) []uint64 {
	ids := make([]uint64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	return ids
}
