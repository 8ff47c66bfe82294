// Package api provides HTTP handlers for the flow engine endpoints.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/hanna-crm/flowengine/internal/models"
)

// deadLetterListLimit caps the dead continuation listing.
const deadLetterListLimit = 100

// verifyWebhookHandler implements the provider verification handshake: echo
// hub.challenge when the verify token matches.
func (s *Server) verifyWebhookHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || s.verifyToken == "" || token != s.verifyToken {
		slog.Warn("Server.verifyWebhookHandler: verification rejected", "mode", mode)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	slog.Info("Server.verifyWebhookHandler: webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, challenge)
}

// parsedInbound pairs a validated inbound message with its context merge.
type parsedInbound struct {
	msg   models.InboundMessage
	merge map[string]any
}

// webhookHandler receives the provider webhook. All messages in the envelope
// are validated before any is applied, so a malformed payload is rejected
// with 4xx and nothing is enqueued.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.webhookHandler: processing webhook", "method", r.Method, "path", r.URL.Path)

	var envelope models.WebhookEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		slog.Warn("Server.webhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	var inbounds []parsedInbound
	for _, entry := range envelope.Entry {
		for _, change := range entry.Changes {
			for i := range change.Value.Messages {
				wm := &change.Value.Messages[i]
				parsed, err := s.parseWebhookMessage(wm)
				if err != nil {
					slog.Warn("Server.webhookHandler: malformed message", "error", err, "messageID", wm.ID)
					writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
					return
				}
				inbounds = append(inbounds, parsed)
			}
		}
	}

	if len(inbounds) == 0 {
		// Status callbacks and other non-message changes are acknowledged
		// without side effects.
		slog.Debug("Server.webhookHandler: envelope contains no messages")
		writeJSONResponse(w, http.StatusOK, models.Success(nil))
		return
	}

	flowID := s.interp.FlowID()
	def, ok := s.flows.Get(flowID)
	if !ok {
		slog.Error("Server.webhookHandler: configured flow not registered", "flowID", flowID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Flow not configured"))
		return
	}

	duplicates := 0
	for _, in := range inbounds {
		result, err := s.st.ApplyInbound(in.msg, flowID, def.Start, in.merge)
		if err != nil {
			slog.Error("Server.webhookHandler: failed to apply inbound message", "error", err, "messageID", in.msg.ID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
			return
		}
		if result.Duplicate {
			duplicates++
			slog.Debug("Server.webhookHandler: duplicate message acknowledged", "messageID", in.msg.ID)
			continue
		}
		slog.Info("Server.webhookHandler: message accepted", "messageID", in.msg.ID, "contactID", in.msg.ContactID, "continuationID", result.ContinuationID)
	}

	if duplicates == len(inbounds) {
		writeJSONResponse(w, http.StatusOK, models.Duplicate("All messages already processed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Accepted(map[string]int{
		"accepted":   len(inbounds) - duplicates,
		"duplicates": duplicates,
	}))
}

// parseWebhookMessage validates one envelope message and derives its context
// merge.
func (s *Server) parseWebhookMessage(wm *models.WebhookMessage) (parsedInbound, error) {
	mt, err := wm.MessageType()
	if err != nil {
		return parsedInbound{}, fmt.Errorf("message %s: %w", wm.ID, err)
	}
	merge, err := wm.ContextMerge()
	if err != nil {
		return parsedInbound{}, fmt.Errorf("message %s: %w", wm.ID, err)
	}

	raw, err := json.Marshal(wm)
	if err != nil {
		return parsedInbound{}, fmt.Errorf("message %s: failed to re-encode payload: %w", wm.ID, err)
	}

	msg := models.InboundMessage{
		ID:         wm.ID,
		ContactID:  wm.From,
		Type:       mt,
		RawPayload: string(raw),
		ReceivedAt: time.Now(),
	}
	if err := msg.Validate(); err != nil {
		return parsedInbound{}, fmt.Errorf("message %s: %w", wm.ID, err)
	}
	return parsedInbound{msg: msg, merge: merge}, nil
}

// listFlowsHandler returns all registered flow definitions.
func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.flows.List()))
}

// getFlowHandler returns one flow definition.
func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	def, ok := s.flows.Get(id)
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(def))
}

// runStateHandler returns a contact's run state.
func (s *Server) runStateHandler(w http.ResponseWriter, r *http.Request) {
	contactID := mux.Vars(r)["id"]
	state, err := s.st.GetRunState(contactID, s.interp.FlowID())
	if err != nil {
		slog.Error("Server.runStateHandler: failed to load run state", "error", err, "contactID", contactID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load run state"))
		return
	}
	if state == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No run state for contact"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

// resetHandler deletes a contact's run state; the next inbound message starts
// the flow from its start step.
func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	contactID := mux.Vars(r)["id"]
	if err := s.st.DeleteRunState(contactID, s.interp.FlowID()); err != nil {
		slog.Error("Server.resetHandler: failed to delete run state", "error", err, "contactID", contactID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset run state"))
		return
	}
	slog.Info("Server.resetHandler: run state reset", "contactID", contactID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Run state reset", nil))
}

// continueHandler enqueues a manual continuation for a contact, used by
// operators to nudge a stalled run.
func (s *Server) continueHandler(w http.ResponseWriter, r *http.Request) {
	contactID := mux.Vars(r)["id"]
	if contactID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Contact id is required"))
		return
	}

	messageID := "manual-" + uuid.NewString()
	contID, err := s.st.EnqueueContinuation(contactID, messageID, time.Now())
	if err != nil {
		slog.Error("Server.continueHandler: failed to enqueue continuation", "error", err, "contactID", contactID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enqueue continuation"))
		return
	}
	slog.Info("Server.continueHandler: continuation enqueued", "contactID", contactID, "continuationID", contID)
	writeJSONResponse(w, http.StatusOK, models.Accepted(map[string]string{"continuation_id": contID}))
}

// deadContinuationsHandler lists dead-lettered continuations so queue gaps
// are observable instead of silent.
func (s *Server) deadContinuationsHandler(w http.ResponseWriter, r *http.Request) {
	dead, err := s.st.ListDeadContinuations(deadLetterListLimit)
	if err != nil {
		slog.Error("Server.deadContinuationsHandler: failed to list dead continuations", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list dead continuations"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(dead))
}

// healthHandler reports service liveness.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}
