// Package admin exposes the node's introspection API over HTTP: hosted
// tables and their shards, live feeds, health, and the Prometheus metrics
// endpoint.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/daveisfera/rethinkdb/changefeed"
	"github.com/daveisfera/rethinkdb/namespace"
)

// Handlers serves the admin endpoints.
type Handlers struct {
	client *changefeed.Client
	tables *namespace.Manager
}

func NewHandlers(client *changefeed.Client, tables *namespace.Manager) *Handlers {
	return &Handlers{client: client, tables: tables}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": msg}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON error response")
	}
}

func (h *Handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, map[string]interface{}{"status": "ok"})
}

func (h *Handlers) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, map[string]interface{}{
		"feeds":  h.client.FeedCount(),
		"tables": len(h.tables.Tables()),
	})
}

func (h *Handlers) handleFeeds(w http.ResponseWriter, _ *http.Request) {
	tables := h.client.Tables()
	ids := make([]string, 0, len(tables))
	for _, t := range tables {
		ids = append(ids, t.String())
	}
	writeJSONResponse(w, map[string]interface{}{
		"count":  len(ids),
		"tables": ids,
	})
}

type shardView struct {
	Start        string `json:"start,omitempty"`
	End          string `json:"end,omitempty"`
	RegisterAddr string `json:"register_addr"`
	StopAddr     string `json:"stop_addr"`
}

type tableView struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Shards []shardView `json:"shards"`
}

func viewOf(t *namespace.Table) tableView {
	v := tableView{ID: t.ID().String(), Name: t.Name()}
	for _, sh := range t.Shards() {
		v.Shards = append(v.Shards, shardView{
			Start:        string(sh.Region.Start),
			End:          string(sh.Region.End),
			RegisterAddr: sh.RegisterAddr.String(),
			StopAddr:     sh.StopAddr.String(),
		})
	}
	return v
}

func (h *Handlers) handleListTables(w http.ResponseWriter, _ *http.Request) {
	tables := h.tables.Tables()
	out := make([]tableView, 0, len(tables))
	for _, t := range tables {
		out = append(out, viewOf(t))
	}
	writeJSONResponse(w, out)
}

func (h *Handlers) handleTable(w http.ResponseWriter, r *http.Request, name string) {
	t, ok := h.tables.Lookup(name)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "table not found")
		return
	}
	writeJSONResponse(w, viewOf(t))
}

func (h *Handlers) handleDropTable(w http.ResponseWriter, r *http.Request, name string) {
	t, ok := h.tables.Lookup(name)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "table not found")
		return
	}
	h.tables.DropTable(t.ID())
	h.client.DetachFeed(t.ID())
	writeJSONResponse(w, map[string]interface{}{"dropped": t.ID().String()})
}
