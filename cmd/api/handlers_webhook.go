package main

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/darwin-ai/darwin/internal/forge"
	"github.com/darwin-ai/darwin/internal/review"
)

// forgeWebhookPayload is the minimal parsed shape Darwin needs from a
// forge delivery; everything else in the provider's payload is ignored.
type forgeWebhookPayload struct {
	Event    review.EventKind `json:"event"`
	TaskID   string           `json:"task_id"`
	Reviewer string           `json:"reviewer,omitempty"`
	Feedback string           `json:"feedback,omitempty"`
}

const webhookSignatureHeader = "X-Darwin-Signature"

// handleForgeWebhook verifies the delivery signature before anything
// else; a verification failure never reaches business logic.
func (d *deps) handleForgeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "could not read request body")
		return
	}

	sig := r.Header.Get(webhookSignatureHeader)
	if !forge.VerifySignature([]byte(d.cfg.WebhookSecret), body, sig) {
		writeError(w, http.StatusUnauthorized, "invalid_signature", "webhook signature verification failed")
		return
	}

	var payload forgeWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed webhook payload")
		return
	}

	ev := review.Event{
		Kind:     payload.Event,
		TaskID:   payload.TaskID,
		Reviewer: payload.Reviewer,
		Feedback: payload.Feedback,
	}
	if err := d.review.Handle(r.Context(), ev); err != nil {
		writeStoreError(w, d.logger, "api: webhook handling failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}
