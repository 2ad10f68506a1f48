package web

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/joestump/sdrhub/internal/proto"
	"github.com/joestump/sdrhub/internal/registry"
)

// NodeEntry is one row of the admin node listing.
type NodeEntry struct {
	NodeID   string            `json:"node_id"`
	LastSeen string            `json:"last_seen"`
	Live     bool              `json:"live"`
	Config   *proto.NodeConfig `json:"config,omitempty"`
}

// ConfigUpdateRequest is the admin config POST body.
type ConfigUpdateRequest struct {
	NodeID string           `json:"node_id"`
	Config proto.NodeConfig `json:"config"`
}

// handleListNodes joins the registry snapshot with the persisted configs.
// A live session's last-seen wins over the stored one; nodes known only from
// storage appear with their persisted timestamp.
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListConfigs()
	if err != nil {
		log.Printf("admin: list configs: %v", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	entries := make(map[uuid.UUID]*NodeEntry, len(records))
	order := make([]uuid.UUID, 0, len(records))
	for i := range records {
		rec := records[i]
		entries[rec.NodeID] = &NodeEntry{
			NodeID:   rec.NodeID.String(),
			LastSeen: rec.LastSeen.UTC().Format(time.RFC3339),
			Config:   &records[i].Config,
		}
		order = append(order, rec.NodeID)
	}

	for _, st := range s.registry.Snapshot() {
		e, ok := entries[st.ID]
		if !ok {
			e = &NodeEntry{NodeID: st.ID.String()}
			entries[st.ID] = e
			order = append(order, st.ID)
		}
		e.Live = true
		e.LastSeen = st.LastSeen.UTC().Format(time.RFC3339)
	}

	out := make([]NodeEntry, 0, len(order))
	for _, id := range order {
		out = append(out, *entries[id])
	}
	writeJSON(w, http.StatusOK, out)
}

// handleConfigUpdate validates and persists a node configuration, then pushes
// it onto the node's live control session when one exists. Without a live
// session the persisted config takes effect on the node's next config
// request.
func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}

	var req ConfigUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	nodeID, err := uuid.Parse(req.NodeID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node_id")
		return
	}
	if err := req.Config.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.PutConfig(nodeID, req.Config); err != nil {
		log.Printf("admin: put config for %s: %v", nodeID, err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	delivered := false
	if sess, ok := s.registry.Lookup(nodeID); ok {
		switch err := sess.EnqueueControl(proto.SendConfig{Config: req.Config}); {
		case err == nil:
			delivered = true
		case errors.Is(err, registry.ErrTerminated):
			log.Printf("admin: node %s went away before config delivery", nodeID)
		default:
			log.Printf("admin: config delivery to %s: %v", nodeID, err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "delivered": delivered})
}
