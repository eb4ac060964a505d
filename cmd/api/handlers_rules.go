package main

import (
	"encoding/json"
	"net/http"

	"github.com/darwin-ai/darwin/internal/domain"
)

func (d *deps) handleListRules(w http.ResponseWriter, r *http.Request) {
	product := r.PathValue("product")
	rules, err := d.learn.TopRules(r.Context(), product, maxRulesListed)
	if err != nil {
		writeStoreError(w, d.logger, "api: list rules failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// maxRulesListed bounds GET /products/{p}/rules; a product accumulating
// more manual/extracted rules than this would need pagination, which
// the endpoint doesn't offer.
const maxRulesListed = 2000

type createRuleRequest struct {
	Content  string              `json:"content"`
	Category domain.RuleCategory `json:"category"`
	Reviewer string              `json:"reviewer,omitempty"`
}

func (d *deps) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	product := r.PathValue("product")
	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be {content, category}")
		return
	}

	rule, err := d.learn.UpsertRule(r.Context(), product, req.Content, req.Category, domain.SourceManual, "", req.Reviewer)
	if err != nil {
		writeStoreError(w, d.logger, "api: create rule failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (d *deps) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	product := r.PathValue("product")
	id := r.PathValue("id")
	if err := d.learn.DeleteRule(r.Context(), product, id); err != nil {
		writeStoreError(w, d.logger, "api: delete rule failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{})
}
