package swcache

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminPrefix is reserved for the admin API and never proxied.
const AdminPrefix = "/_blogcache"

// Router mounts the admin API under AdminPrefix and sends everything else
// through the registration.
func (r *Registration) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	if r.cfg.Logging.Requests {
		mux.Use(middleware.Logger)
	}
	mux.Use(middleware.Recoverer)

	mux.Route(AdminPrefix, func(a chi.Router) {
		a.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		a.Get("/status", r.handleStatus)
		a.With(middleware.Timeout(5*time.Minute)).Post("/update", r.handleUpdate)
		a.Delete("/generations/{name}", r.handleDeleteGeneration)
	})
	mux.Handle("/*", r)
	return mux
}

func (r *Registration) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st, err := r.Status()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (r *Registration) handleUpdate(w http.ResponseWriter, req *http.Request) {
	if _, err := r.Update(req.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	r.handleStatus(w, req)
}

func (r *Registration) handleDeleteGeneration(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")
	err := r.DeleteGeneration(name)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrCurrentGeneration):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrGenerationNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
