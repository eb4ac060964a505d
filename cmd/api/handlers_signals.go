package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/darwin-ai/darwin/internal/domain"
	"github.com/darwin-ai/darwin/internal/ingest"
)

// ingestItem is the signal wire shape. Unknown fields are ignored.
type ingestItem struct {
	ID        string `json:"id,omitempty"`
	Text      string `json:"text"`
	Source    string `json:"source"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	Author    string `json:"author,omitempty"`
	Product   string `json:"product"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (d *deps) handleIngest(w http.ResponseWriter, r *http.Request) {
	var items []ingestItem
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be a JSON array of signals")
		return
	}

	inputs := make([]ingest.Input, 0, len(items))
	for _, it := range items {
		inputs = append(inputs, ingest.Input{
			Text:    it.Text,
			Source:  it.Source,
			URL:     it.URL,
			Title:   it.Title,
			Author:  it.Author,
			Product: it.Product,
		})
	}

	result, err := d.ingest.Ingest(r.Context(), inputs)
	if err != nil {
		writeStoreError(w, d.logger, "api: ingest failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (d *deps) handleListSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	product := q.Get("product")
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	keys, err := d.st.KV.Keys(r.Context(), "signal:*")
	if err != nil {
		writeStoreError(w, d.logger, "api: list signals failed", err)
		return
	}

	out := make([]domain.Signal, 0, limit)
	for _, key := range keys {
		if len(out) >= limit {
			break
		}
		rec, ok, err := d.st.KV.GetRecord(r.Context(), key)
		if err != nil || !ok {
			continue
		}
		sig := domain.UnmarshalSignal(rec)
		if product != "" && !strings.EqualFold(sig.Product, product) {
			continue
		}
		out = append(out, sig)
	}
	writeJSON(w, http.StatusOK, out)
}
