package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"notifyd/internal/dispatch"
	"notifyd/internal/notify"
	"notifyd/internal/prefs"
	"notifyd/internal/template"
	"notifyd/pkg/logx"
)

// Deps collects the services the API fronts.
type Deps struct {
	Dispatcher *dispatch.Service
	Prefs      prefs.Store
	Templates  template.Store
	Renderer   *template.Renderer
	Providers  []notify.Provider
}

func (d Deps) router(log logx.Logger) http.Handler {
	h := &handlers{deps: d, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/notifications", func(r chi.Router) {
			r.Post("/", h.sendNotification)
			r.Post("/bulk", h.sendBulk)
			r.Post("/schedule", h.schedule)
			r.Get("/{id}", h.status)
			r.Post("/{id}/retry", h.retry)
			r.Delete("/{id}", h.cancel)
		})
		r.Route("/users/{user}", func(r chi.Router) {
			r.Get("/notifications", h.history)
			r.Route("/preferences", func(r chi.Router) {
				r.Get("/", h.getPrefs)
				r.Put("/", h.putPrefs)
				r.Delete("/", h.resetPrefs)
				r.Post("/opt-out", h.optOut)
				r.Post("/opt-in", h.optIn)
			})
		})
		r.Route("/templates", func(r chi.Router) {
			r.Get("/", h.listTemplates)
			r.Post("/validate", h.validateTemplate)
			r.Get("/{key}", h.listTemplateLanguages)
			r.Post("/{key}/preview", h.previewTemplate)
			r.Get("/{key}/{language}", h.getTemplate)
			r.Put("/{key}/{language}", h.putTemplate)
			r.Delete("/{key}/{language}", h.deleteTemplate)
		})
	})
	return r
}

type handlers struct {
	deps Deps
	log  logx.Logger
}

func (h *handlers) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			h.log.Debug("response encode failed", logx.Err(err))
		}
	}
}

// fail maps domain errors onto status codes: malformed input is 400,
// lookup misses are 404, everything else is a 500.
func (h *handlers) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case notify.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, notify.ErrNotFound):
		status = http.StatusNotFound
	}
	h.respond(w, status, map[string]string{"error": err.Error()})
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

func (h *handlers) sendNotification(w http.ResponseWriter, r *http.Request) {
	var req notify.Request
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.deps.Dispatcher.Submit(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusAccepted, res)
}

func (h *handlers) sendBulk(w http.ResponseWriter, r *http.Request) {
	var bulk notify.BulkRequest
	if !h.decode(w, r, &bulk) {
		return
	}
	res, err := h.deps.Dispatcher.SendBulk(r.Context(), bulk)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, res)
}

func (h *handlers) schedule(w http.ResponseWriter, r *http.Request) {
	var sreq notify.ScheduledRequest
	if !h.decode(w, r, &sreq) {
		return
	}
	if err := h.deps.Dispatcher.Schedule(r.Context(), sreq); err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusAccepted, map[string]any{
		"request_id":   sreq.ID,
		"scheduled_at": sreq.ScheduledAt,
	})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	outs, err := h.deps.Dispatcher.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, outs)
}

func (h *handlers) retry(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Dispatcher.Retry(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusAccepted, nil)
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	if !h.deps.Dispatcher.Cancel(chi.URLParam(r, "id")) {
		h.respond(w, http.StatusNotFound, map[string]string{"error": "no pending request"})
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	outs, err := h.deps.Dispatcher.History(r.Context(), chi.URLParam(r, "user"), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, outs)
}

func (h *handlers) getPrefs(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Prefs.Export(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, rec)
}

func (h *handlers) putPrefs(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if !h.decode(w, r, &fields) {
		return
	}
	user := chi.URLParam(r, "user")
	if err := h.deps.Prefs.Import(r.Context(), user, fields); err != nil {
		h.fail(w, err)
		return
	}
	rec, err := h.deps.Prefs.Export(r.Context(), user)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, rec)
}

func (h *handlers) resetPrefs(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Prefs.Reset(r.Context(), chi.URLParam(r, "user")); err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}

type optRequest struct {
	Type    notify.Type `json:"type"`
	Channel string      `json:"channel"`
}

func (h *handlers) opt(w http.ResponseWriter, r *http.Request, f func(r *http.Request, user string, t notify.Type, c notify.Channel) error) {
	var body optRequest
	if !h.decode(w, r, &body) {
		return
	}
	c, err := notify.ParseChannel(body.Channel)
	if err != nil {
		h.fail(w, err)
		return
	}
	if err := f(r, chi.URLParam(r, "user"), body.Type, c); err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}

func (h *handlers) optOut(w http.ResponseWriter, r *http.Request) {
	h.opt(w, r, func(r *http.Request, user string, t notify.Type, c notify.Channel) error {
		return h.deps.Prefs.OptOut(r.Context(), user, t, c)
	})
}

func (h *handlers) optIn(w http.ResponseWriter, r *http.Request) {
	h.opt(w, r, func(r *http.Request, user string, t notify.Type, c notify.Channel) error {
		return h.deps.Prefs.OptIn(r.Context(), user, t, c)
	})
}

func (h *handlers) listTemplates(w http.ResponseWriter, r *http.Request) {
	ts, err := h.deps.Templates.ListAll(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, ts)
}

func (h *handlers) listTemplateLanguages(w http.ResponseWriter, r *http.Request) {
	ts, err := h.deps.Templates.ListByKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, ts)
}

func (h *handlers) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.deps.Templates.Get(r.Context(), chi.URLParam(r, "key"), chi.URLParam(r, "language"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, t)
}

func (h *handlers) putTemplate(w http.ResponseWriter, r *http.Request) {
	var t template.Template
	if !h.decode(w, r, &t) {
		return
	}
	// The path is authoritative for the composite key.
	t.Key = chi.URLParam(r, "key")
	t.Language = chi.URLParam(r, "language")
	if issues := template.ValidateTemplate(t); len(issues) > 0 {
		h.respond(w, http.StatusBadRequest, map[string]any{"issues": issues})
		return
	}
	if err := h.deps.Templates.CreateOrUpdate(r.Context(), t); err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}

func (h *handlers) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	err := h.deps.Templates.Delete(r.Context(), chi.URLParam(r, "key"), chi.URLParam(r, "language"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}

type previewRequest struct {
	Language string         `json:"language"`
	Data     map[string]any `json:"data,omitempty"`
}

func (h *handlers) previewTemplate(w http.ResponseWriter, r *http.Request) {
	var body previewRequest
	if !h.decode(w, r, &body) {
		return
	}
	content, err := h.deps.Renderer.Preview(r.Context(), chi.URLParam(r, "key"), body.Language, body.Data)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, content)
}

func (h *handlers) validateTemplate(w http.ResponseWriter, r *http.Request) {
	var t template.Template
	if !h.decode(w, r, &t) {
		return
	}
	issues := template.ValidateTemplate(t)
	h.respond(w, http.StatusOK, map[string]any{
		"valid":  len(issues) == 0,
		"issues": issues,
	})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	providers := make(map[string]bool, len(h.deps.Providers))
	healthy := true
	for _, p := range h.deps.Providers {
		ok := p.Healthy()
		providers[string(p.Channel())] = ok
		healthy = healthy && ok
	}
	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	h.respond(w, code, map[string]any{
		"status":    status,
		"providers": providers,
	})
}
