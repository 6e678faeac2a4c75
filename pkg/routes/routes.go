// Package routes wires the HTTP surface: the websocket endpoint clients
// speak the event protocol over, plus a small read-only JSON API for
// dashboards and debugging.
package routes

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/waypost-io/waypost/pkg/hub"
	"github.com/waypost-io/waypost/pkg/models"
	"github.com/waypost-io/waypost/pkg/registry"
)

// WebRouter serves the websocket endpoint and the read-only API.
type WebRouter struct {
	hub      *hub.Hub
	registry *registry.Registry
	log      *slog.Logger
}

// New creates a WebRouter.
func New(h *hub.Hub, reg *registry.Registry, log *slog.Logger) *WebRouter {
	if log == nil {
		log = slog.Default()
	}
	return &WebRouter{hub: h, registry: reg, log: log}
}

// Handler builds the full middleware-wrapped HTTP handler.
func (wr *WebRouter) Handler() http.Handler {
	myRouter := mux.NewRouter().StrictSlash(true)

	myRouter.HandleFunc("/ws", wr.hub.ServeWS)
	myRouter.HandleFunc("/api/visitors", wr.getVisitors).Methods("GET")
	myRouter.HandleFunc("/api/messages", wr.getMessages).Methods("GET")
	myRouter.HandleFunc("/healthz", wr.health).Methods("GET")

	myRouter.Use(handlers.ProxyHeaders)
	myRouter.Use(wr.requestLogger)

	return handlers.RecoveryHandler()(myRouter)
}

func (wr *WebRouter) requestLogger(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wr.log.Info("endpoint hit", "method", r.Method, "path", r.URL.Path, "remote_host", r.RemoteAddr, "user_agent", r.UserAgent())
		h.ServeHTTP(w, r)
	})
}

type visitorsResponse struct {
	Visitors     []models.Visitor `json:"visitors"`
	OnlineIDs    []string         `json:"onlineIds"`
	OnlineCount  int              `json:"onlineCount"`
	OfflineCount int              `json:"offlineCount"`
}

func (wr *WebRouter) getVisitors(w http.ResponseWriter, r *http.Request) {
	visitors, onlineIDs, _ := wr.registry.Snapshot()
	resp := visitorsResponse{
		Visitors:     visitors,
		OnlineIDs:    onlineIDs,
		OnlineCount:  len(onlineIDs),
		OfflineCount: len(visitors) - len(onlineIDs),
	}
	wr.writeJSON(w, resp)
}

func (wr *WebRouter) getMessages(w http.ResponseWriter, r *http.Request) {
	_, _, messages := wr.registry.Snapshot()
	wr.writeJSON(w, messages)
}

func (wr *WebRouter) health(w http.ResponseWriter, r *http.Request) {
	wr.writeJSON(w, map[string]any{
		"status":         "ok",
		"clients":        wr.hub.ClientCount(),
		"knownVisitors":  wr.registry.KnownCount(),
		"onlineVisitors": wr.registry.OnlineCount(),
	})
}

func (wr *WebRouter) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		wr.log.Error("error encoding response", "error", err)
	}
}
