package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/darwin-ai/darwin/internal/domain"
)

func (d *deps) handleListTopics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	product := q.Get("product")
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	keys, err := d.st.KV.Keys(r.Context(), "topic:*")
	if err != nil {
		writeStoreError(w, d.logger, "api: list topics failed", err)
		return
	}

	out := make([]domain.Topic, 0, limit)
	for _, key := range keys {
		if !strings.HasPrefix(key, "topic:") || strings.Contains(key, ":signals") || strings.Contains(key, ":task") {
			continue
		}
		if len(out) >= limit {
			break
		}
		rec, ok, err := d.st.KV.GetRecord(r.Context(), key)
		if err != nil || !ok {
			continue
		}
		topic := domain.UnmarshalTopic(rec)
		if product != "" && !strings.EqualFold(topic.Product, product) {
			continue
		}
		out = append(out, topic)
	}
	writeJSON(w, http.StatusOK, out)
}

func (d *deps) handleGetTopic(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := d.st.KV.GetRecord(r.Context(), "topic:"+id)
	if err != nil {
		writeStoreError(w, d.logger, "api: get topic failed", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "topic not found")
		return
	}
	writeJSON(w, http.StatusOK, domain.UnmarshalTopic(rec))
}

// handleTopicLineage serves the audit trail from store.Lineage.Trace:
// every Signal/Task/SuccessfulFix/Rule node reachable from a topic.
// Lineage being unavailable (Neo4j down at startup) yields an empty
// result rather than an error, since the graph is best-effort.
func (d *deps) handleTopicLineage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if d.st.Lineage == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	nodes, err := d.st.Lineage.Trace(r.Context(), id, 3)
	if err != nil {
		writeStoreError(w, d.logger, "api: topic lineage trace failed", err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}
