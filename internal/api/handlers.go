package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"flowguard/internal/adaptive"
	"flowguard/internal/detect"
	"flowguard/internal/model"
	"flowguard/internal/pipeline"
	"flowguard/internal/policy"
	"flowguard/internal/reputation"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type Handlers struct {
	store      *policy.Store
	resolver   *policy.Resolver
	engine     *adaptive.Engine
	reputation *reputation.Store
	analyzer   *detect.FlowAnalyzer
	detector   *detect.Detector
	behavior   *detect.BehaviorAnalyzer
	conditions *adaptive.Conditions
	processor  *pipeline.Processor
	logger     *logrus.Logger
	upgrader   websocket.Upgrader
}

func NewHandlers(
	store *policy.Store,
	resolver *policy.Resolver,
	engine *adaptive.Engine,
	rep *reputation.Store,
	analyzer *detect.FlowAnalyzer,
	detector *detect.Detector,
	behavior *detect.BehaviorAnalyzer,
	conditions *adaptive.Conditions,
	processor *pipeline.Processor,
	logger *logrus.Logger,
) *Handlers {
	return &Handlers{
		store:      store,
		resolver:   resolver,
		engine:     engine,
		reputation: rep,
		analyzer:   analyzer,
		detector:   detector,
		behavior:   behavior,
		conditions: conditions,
		processor:  processor,
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Policy handlers

func (h *Handlers) GetPolicies(w http.ResponseWriter, r *http.Request) {
	targetType := model.TargetType(r.URL.Query().Get("targetType"))
	targetValue := r.URL.Query().Get("targetValue")

	rules := h.store.ListPolicies(targetType, targetValue)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": rules,
		"total": len(rules),
	})
}

func (h *Handlers) GetPolicy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rule, err := h.store.GetPolicy(vars["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "Policy not found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

type createPolicyRequest struct {
	Source      model.PolicySource `json:"source"`
	Action      model.PolicyAction `json:"action"`
	TargetType  model.TargetType   `json:"target_type"`
	TargetValue string             `json:"target_value"`
	Priority    int                `json:"priority"`
	Reason      string             `json:"reason"`
	TTLSeconds  int                `json:"ttl_seconds"`
}

func (h *Handlers) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rule := model.PolicyRule{
		ID:          uuid.New().String(),
		Source:      req.Source,
		Action:      req.Action,
		TargetType:  req.TargetType,
		TargetValue: req.TargetValue,
		Priority:    req.Priority,
		Reason:      req.Reason,
		CreatedAt:   time.Now(),
	}
	if req.TTLSeconds > 0 {
		expires := time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
		rule.ExpiresAt = &expires
	}

	if err := h.store.AddPolicy(rule); err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to add policy")
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *Handlers) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.store.RemovePolicy(vars["id"]); err != nil {
		writeError(w, http.StatusNotFound, "Policy not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ResolvePolicy(w http.ResponseWriter, r *http.Request) {
	targetType := model.TargetType(r.URL.Query().Get("targetType"))
	targetValue := r.URL.Query().Get("targetValue")
	if !targetType.Valid() || targetValue == "" {
		writeError(w, http.StatusBadRequest, "targetType and targetValue are required")
		return
	}

	action, rule := h.resolver.GetEffectiveAction(targetType, targetValue)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"action": action,
		"rule":   rule,
	})
}

// Blocklist seeding for threat intel and IDS integrations. Every address
// becomes one block rule from the caller's source.

type seedBlocklistRequest struct {
	Source     model.PolicySource `json:"source"`
	Addresses  []string           `json:"addresses"`
	Priority   int                `json:"priority"`
	Reason     string             `json:"reason"`
	TTLSeconds int                `json:"ttl_seconds"`
}

func (h *Handlers) SeedBlocklist(w http.ResponseWriter, r *http.Request) {
	var req seedBlocklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Source.Valid() || !req.Source.External() {
		writeError(w, http.StatusBadRequest, "source must be an external policy source")
		return
	}
	if req.Priority == 0 {
		req.Priority = 50
	}

	var expires *time.Time
	if req.TTLSeconds > 0 {
		t := time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
		expires = &t
	}

	created := make([]model.PolicyRule, 0, len(req.Addresses))
	for _, addr := range req.Addresses {
		rule := model.PolicyRule{
			ID:          uuid.New().String(),
			Source:      req.Source,
			Action:      model.ActionBlock,
			TargetType:  model.TargetIP,
			TargetValue: addr,
			Priority:    req.Priority,
			Reason:      req.Reason,
			CreatedAt:   time.Now(),
			ExpiresAt:   expires,
		}
		if err := h.store.AddPolicy(rule); err != nil {
			var verr *model.ValidationError
			if errors.As(err, &verr) {
				writeError(w, http.StatusBadRequest, verr.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "Failed to add policy")
			return
		}
		created = append(created, rule)
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"items": created,
		"total": len(created),
	})
}

// IngestTelemetry accepts a batch of per-flow counter samples from an
// external stats collector and feeds them into the decision pipeline.
func (h *Handlers) IngestTelemetry(w http.ResponseWriter, r *http.Request) {
	var records []model.TelemetryRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	for _, rec := range records {
		h.processor.Submit(rec)
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(records)})
}

// Admin handlers

type unblockRequest struct {
	Identity      model.FlowIdentity `json:"identity"`
	FalsePositive bool               `json:"false_positive"`
}

func (h *Handlers) Unblock(w http.ResponseWriter, r *http.Request) {
	var req unblockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	removed := h.engine.ForceUnblock(req.Identity, req.FalsePositive)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identity":      req.Identity,
		"rules_removed": removed,
	})
}

type identityRequest struct {
	Identity model.FlowIdentity `json:"identity"`
	Score    *float64           `json:"score,omitempty"`
}

func (h *Handlers) LookupReputation(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rec, err := h.reputation.GetRecord(req.Identity)
	if err != nil {
		writeError(w, http.StatusNotFound, "No reputation record for identity")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) OverrideReputation(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Score == nil || *req.Score < 0 || *req.Score > 1 {
		writeError(w, http.StatusBadRequest, "score must be within [0,1]")
		return
	}

	rec := h.reputation.Override(req.Identity, *req.Score)
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) GetConditions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.conditions.Get())
}

func (h *Handlers) UpdateConditions(w http.ResponseWriter, r *http.Request) {
	var nc model.NetworkConditions
	if err := json.NewDecoder(r.Body).Decode(&nc); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if nc.Load < 0 || nc.Load > 1 || nc.AttackFrequency < 0 || nc.AttackFrequency > 1 ||
		nc.FalsePositiveRate < 0 || nc.FalsePositiveRate > 1 {
		writeError(w, http.StatusBadRequest, "condition values must be within [0,1]")
		return
	}

	h.conditions.Update(nc)
	h.logger.Infof("[API] Network conditions updated: load=%.2f attack=%.2f fp=%.2f",
		nc.Load, nc.AttackFrequency, nc.FalsePositiveRate)
	writeJSON(w, http.StatusOK, nc)
}

type listRequest struct {
	Address string `json:"address"`
}

func (h *Handlers) AddWhitelist(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	h.analyzer.AddToWhitelist(req.Address)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) RemoveWhitelist(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	h.analyzer.RemoveFromWhitelist(req.Address)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) AddBlacklist(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	h.analyzer.AddToBlacklist(req.Address)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) RemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	h.analyzer.RemoveFromBlacklist(req.Address)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) GetStatistics(w http.ResponseWriter, r *http.Request) {
	whitelist, blacklist := h.analyzer.ListCounts()
	stats := map[string]interface{}{
		"trackedWindows":     h.detector.TrackedIdentities(),
		"duplicateTelemetry": h.detector.DroppedDuplicates(),
		"trackedBaselines":   h.behavior.TrackedIdentities(),
		"reputationRecords":  h.reputation.TrackedIdentities(),
		"activeBlocks":       len(h.engine.ActiveBlocks()),
		"flowsByTier":        h.analyzer.TierCounts(),
		"policiesBySource":   h.store.CountBySource(),
		"whitelistEntries":   whitelist,
		"blacklistEntries":   blacklist,
		"conditions":         h.conditions.Get(),
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) GetActiveBlocks(w http.ResponseWriter, r *http.Request) {
	blocks := h.engine.ActiveBlocks()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": blocks,
		"total": len(blocks),
	})
}

// StreamDecisions streams every mitigation decision over a WebSocket.
func (h *Handlers) StreamDecisions(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade error: %v", err)
		return
	}

	h.logger.Infof("WebSocket connection established from %s", r.RemoteAddr)
	defer func() {
		h.logger.Debugf("WebSocket connection closed for %s", r.RemoteAddr)
		conn.Close()
	}()

	sub := h.processor.Subscribe()
	defer h.processor.Unsubscribe(sub)

	done := make(chan struct{})
	once := &sync.Once{}
	closeDone := func() {
		once.Do(func() {
			close(done)
		})
	}

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	go func() {
		defer closeDone()
		for {
			select {
			case <-pingTicker.C:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Read pump detects client disconnects.
	go func() {
		defer closeDone()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case dec, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(dec); err != nil {
				h.logger.Debugf("WebSocket write error: %v", err)
				return
			}
		}
	}
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
