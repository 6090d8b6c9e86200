package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jdziat/simple-study-runs/pkg/core"
	"github.com/jdziat/simple-study-runs/pkg/engine"
	"github.com/jdziat/simple-study-runs/pkg/idcookie"
	"github.com/jdziat/simple-study-runs/pkg/security"
)

type handler struct {
	engine *engine.Engine
	cfg    *config
	logger *slog.Logger
}

// NewHandler returns the HTTP handler for the run endpoints.
func NewHandler(e *engine.Engine, opts ...Option) http.Handler {
	cfg := &config{
		cookiePath: "/",
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	h := &handler{engine: e, cfg: cfg, logger: cfg.logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(cfg.logger))
	r.Use(chimiddleware.Recoverer)
	if cfg.auth != nil {
		r.Use(cfg.auth.Identify)
	}

	r.Get("/health", h.health)

	r.Route("/publix", func(r chi.Router) {
		r.Post("/studies/{studyID}/batches/{batchID}/start", h.startStudy)

		r.Route("/runs/{studyResultID}", func(r chi.Router) {
			r.Route("/components/{componentID}", func(r chi.Router) {
				r.Post("/start", h.startComponent)
				r.Get("/init-data", h.initData)
				r.Put("/result-data", h.resultData(false))
				r.Post("/result-data", h.resultData(true))
				r.Post("/finish", h.finishComponent)
			})

			r.Post("/session-data", h.sessionData)
			r.Post("/heartbeat", h.heartbeat)

			r.Route("/group", func(r chi.Router) {
				r.Get("/members", h.groupMembers)
				r.Post("/join", h.joinGroup)
				r.Post("/leave", h.leaveGroup)
				r.Post("/reassign", h.reassignGroup)
				r.Post("/fix", h.fixGroup)
			})

			r.Post("/finish", h.finishStudy)
			r.Post("/abort", h.abortStudy)
		})
	})

	if cfg.stats != nil && cfg.auth != nil {
		r.With(RequireAccount).Get("/stats/batches/{batchID}", h.batchStats)
	}

	var out http.Handler = r
	if cfg.middleware != nil {
		out = cfg.middleware(out)
	}
	return out
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) startStudy(w http.ResponseWriter, r *http.Request) {
	jar := h.engine.Extract(r.Cookies())
	req, err := startRequest(r)
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	state, err := h.engine.StartStudy(r.Context(), jar, req)
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	h.respond(w, jar, http.StatusCreated, newRunView(state))
}

func startRequest(r *http.Request) (engine.StartStudyRequest, error) {
	studyID, err := idParam(r, "studyID")
	if err != nil {
		return engine.StartStudyRequest{}, err
	}
	batchID, err := idParam(r, "batchID")
	if err != nil {
		return engine.StartStudyRequest{}, err
	}
	q := r.URL.Query()
	wt, err := core.ParseWorkerType(q.Get("workerType"))
	if err != nil {
		return engine.StartStudyRequest{}, err
	}
	req := engine.StartStudyRequest{
		StudyID:    studyID,
		BatchID:    batchID,
		WorkerType: wt,
		MTWorkerID: q.Get("mtWorkerId"),
		Caller:     AccountFrom(r.Context()),
	}
	if v := q.Get("workerId"); v != "" {
		req.WorkerID, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			return engine.StartStudyRequest{}, core.BadRequest("invalid workerId %q", v)
		}
	}
	if req.Preview, err = boolQuery(r, "pre", false); err != nil {
		return engine.StartStudyRequest{}, err
	}
	return req, nil
}

func (h *handler) startComponent(w http.ResponseWriter, r *http.Request) {
	jar := h.engine.Extract(r.Cookies())
	ref, err := runRef(r)
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	state, err := h.engine.StartComponent(r.Context(), jar, ref, AccountFrom(r.Context()))
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	h.respond(w, jar, http.StatusOK, newRunView(state))
}

func (h *handler) initData(w http.ResponseWriter, r *http.Request) {
	jar := h.engine.Extract(r.Cookies())
	ref, err := runRef(r)
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	data, err := h.engine.GetInitData(r.Context(), jar, ref, AccountFrom(r.Context()))
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	h.respond(w, jar, http.StatusOK, newInitDataView(data))
}

// resultData handles PUT (replace) and POST (append) of result data.
func (h *handler) resultData(appendData bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jar := h.engine.Extract(r.Cookies())
		ref, err := runRef(r)
		if err != nil {
			h.fail(w, r, jar, err)
			return
		}
		body, err := readBody(w, r, security.MaxResultDataSize)
		if err != nil {
			h.fail(w, r, jar, err)
			return
		}
		cr, err := h.engine.SubmitResultData(r.Context(), jar, ref, body, appendData, AccountFrom(r.Context()))
		if err != nil {
			h.fail(w, r, jar, err)
			return
		}
		h.respond(w, jar, http.StatusOK, newComponentResultView(cr))
	}
}

func (h *handler) finishComponent(w http.ResponseWriter, r *http.Request) {
	jar := h.engine.Extract(r.Cookies())
	ref, err := runRef(r)
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	successful, err := boolQuery(r, "successful", true)
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	cr, err := h.engine.FinishComponent(r.Context(), jar, ref, successful, r.URL.Query().Get("message"), AccountFrom(r.Context()))
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	h.respond(w, jar, http.StatusOK, newComponentResultView(cr))
}

func (h *handler) sessionData(w http.ResponseWriter, r *http.Request) {
	jar := h.engine.Extract(r.Cookies())
	id, err := idParam(r, "studyResultID")
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	body, err := readBody(w, r, security.MaxSessionDataSize)
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	if err := h.engine.SetSessionData(r.Context(), jar, id, body, AccountFrom(r.Context())); err != nil {
		h.fail(w, r, jar, err)
		return
	}
	h.respond(w, jar, http.StatusNoContent, nil)
}

func (h *handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	jar := h.engine.Extract(r.Cookies())
	id, err := idParam(r, "studyResultID")
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	if err := h.engine.Heartbeat(r.Context(), jar, id, AccountFrom(r.Context())); err != nil {
		h.fail(w, r, jar, err)
		return
	}
	h.respond(w, jar, http.StatusNoContent, nil)
}

func (h *handler) finishStudy(w http.ResponseWriter, r *http.Request) {
	jar := h.engine.Extract(r.Cookies())
	id, err := idParam(r, "studyResultID")
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	successful, err := boolQuery(r, "successful", true)
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	code, err := h.engine.FinishStudy(r.Context(), jar, id, successful, r.URL.Query().Get("message"), AccountFrom(r.Context()))
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	h.respond(w, jar, http.StatusOK, map[string]*string{"confirmationCode": code})
}

func (h *handler) abortStudy(w http.ResponseWriter, r *http.Request) {
	jar := h.engine.Extract(r.Cookies())
	id, err := idParam(r, "studyResultID")
	if err != nil {
		h.fail(w, r, jar, err)
		return
	}
	if err := h.engine.AbortStudy(r.Context(), jar, id, r.URL.Query().Get("message"), AccountFrom(r.Context())); err != nil {
		h.fail(w, r, jar, err)
		return
	}
	h.respond(w, jar, http.StatusNoContent, nil)
}

// respond writes the jar's cookie changes and then the body. A nil body
// writes no content.
func (h *handler) respond(w http.ResponseWriter, jar *idcookie.Jar, status int, body any) {
	h.writeCookies(w, jar)
	if body == nil {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, body)
}

// fail writes the jar's cookie changes and the error envelope.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, jar *idcookie.Jar, err error) {
	h.writeCookies(w, jar)
	h.writeErr(w, r, err)
}

// writeErr writes the error envelope. Internal errors are logged and hidden
// from the client.
func (h *handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := core.KindOf(err)
	status, code := statusOf(kind)
	if kind == core.KindInternal {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", chimiddleware.GetReqID(r.Context()),
			"error", err,
		)
		writeError(w, r, status, code, "internal error")
		return
	}
	msg := http.StatusText(status)
	var e *core.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	writeError(w, r, status, code, msg)
}

func (h *handler) writeCookies(w http.ResponseWriter, jar *idcookie.Jar) {
	changes := jar.Changes()
	for _, c := range changes.Set {
		ck := h.cookie(c.Name, c.Value)
		ck.MaxAge = int(h.cfg.cookieMaxAge / time.Second)
		http.SetCookie(w, ck)
	}
	for _, name := range changes.Expire {
		ck := h.cookie(name, "")
		ck.MaxAge = -1
		http.SetCookie(w, ck)
	}
}

func (h *handler) cookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     h.cfg.cookiePath,
		HttpOnly: true,
		Secure:   h.cfg.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func idParam(r *http.Request, name string) (uint64, error) {
	v := chi.URLParam(r, name)
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil || id == 0 {
		return 0, core.BadRequest("invalid %s %q", name, v)
	}
	return id, nil
}

func runRef(r *http.Request) (engine.RunRef, error) {
	srID, err := idParam(r, "studyResultID")
	if err != nil {
		return engine.RunRef{}, err
	}
	cID, err := idParam(r, "componentID")
	if err != nil {
		return engine.RunRef{}, err
	}
	return engine.RunRef{StudyResultID: srID, ComponentID: cID}, nil
}

func boolQuery(r *http.Request, name string, def bool) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, core.BadRequest("invalid %s %q", name, v)
	}
	return b, nil
}

// readBody reads a text/plain or application/json body of at most limit
// bytes.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) (string, error) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || (mt != "text/plain" && mt != "application/json") {
			return "", core.BadRequest("unsupported content type %q", ct)
		}
	}
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", core.BadRequest("body exceeds %d bytes", limit)
		}
		return "", core.BadRequest("read body: %v", err)
	}
	return string(b), nil
}
