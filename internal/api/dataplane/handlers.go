// Package dataplane implements the runtime proxy's HTTP surface: the
// ingress/egress endpoints clients use to push rows into and pull rows out
// of a running pipeline. Every request is forwarded byte-for-byte to the
// pipeline's deployed process by the proxy package; this package only
// extracts the path parameters and picks the downstream path.
package dataplane

import (
	"net/http"

	"github.com/nebula-sql/controlplane/internal/proxy"
)

// Handler handles data plane HTTP requests.
type Handler struct {
	Proxy *proxy.Proxy
}

// RegisterRoutes registers all data plane routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v0/pipelines/{id}/ingress/{table}", h.Ingress)
	mux.HandleFunc("POST /v0/pipelines/{id}/egress/{table}", h.Egress)
	mux.HandleFunc("GET /v0/pipelines/{id}/egress/{table}", h.Egress)
}

// Ingress handles POST /v0/pipelines/{id}/ingress/{table}, relaying the
// request body to the pipeline process's ingress endpoint for that table.
func (h *Handler) Ingress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	table := r.PathValue("table")
	downstreamPath := "/ingress/" + table
	_ = h.Proxy.Forward(r.Context(), w, r, id, downstreamPath, "ingress")
}

// Egress handles GET/POST /v0/pipelines/{id}/egress/{table}, relaying to the
// pipeline's egress endpoint for that table. The response is streamed
// without buffering since watch/delta queries may be long-lived.
func (h *Handler) Egress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	table := r.PathValue("table")
	downstreamPath := "/egress/" + table
	_ = h.Proxy.Forward(r.Context(), w, r, id, downstreamPath, "egress")
}
