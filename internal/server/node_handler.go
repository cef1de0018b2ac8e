package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/limiquantix/groupmanager/internal/anomaly"
	"github.com/limiquantix/groupmanager/internal/domain"
	"github.com/limiquantix/groupmanager/internal/estimator"
	"github.com/limiquantix/groupmanager/internal/migration"
)

// NodeManager is the part of the group manager exposed over HTTP.
type NodeManager interface {
	Nodes(ctx context.Context) ([]*domain.Node, error)
	Resolve(ctx context.Context, nodeID string, state domain.NodeState) error
}

// NodeHandler handles HTTP requests for node inspection and manual resolution.
type NodeHandler struct {
	manager   NodeManager
	estimator *estimator.Estimator
	logger    *zap.Logger
}

// NewNodeHandler creates a new node handler.
func NewNodeHandler(manager NodeManager, est *estimator.Estimator, logger *zap.Logger) *NodeHandler {
	return &NodeHandler{
		manager:   manager,
		estimator: est,
		logger:    logger.Named("node-handler"),
	}
}

// RegisterRoutes registers node API routes.
func (h *NodeHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/nodes", h.handleNodes)
	mux.HandleFunc("/api/v1/nodes/", h.handleNodeByID)
}

// NodeView is the JSON representation of a node.
type NodeView struct {
	ID            string                `json:"id"`
	Hostname      string                `json:"hostname"`
	Address       string                `json:"address"`
	Status        domain.NodeStatus     `json:"status"`
	State         domain.NodeState      `json:"state"`
	VMs           int                   `json:"vms"`
	Temperature   float64               `json:"temperature"`
	Capacity      domain.ResourceVector `json:"capacity"`
	Utilization   domain.ResourceVector `json:"utilization"`
	LastHeartbeat string                `json:"last_heartbeat,omitempty"`
}

func (h *NodeHandler) toView(n *domain.Node) NodeView {
	view := NodeView{
		ID:          n.ID,
		Hostname:    n.Hostname,
		Address:     n.ControlAddress.String(),
		Status:      n.Status,
		State:       n.State,
		VMs:         n.VMCount(),
		Temperature: n.Temperature(),
		Capacity:    n.TotalCapacity,
		Utilization: h.estimator.EstimateNodeUtilization(n),
	}
	if n.LastHeartbeat != nil {
		view.LastHeartbeat = n.LastHeartbeat.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return view
}

// handleNodes handles GET /api/v1/nodes
func (h *NodeHandler) handleNodes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listNodes(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleNodeByID handles requests to /api/v1/nodes/{id}/resolve
func (h *NodeHandler) handleNodeByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/nodes/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Node ID required", http.StatusBadRequest)
		return
	}
	nodeID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.getNode(w, r, nodeID)
	case len(parts) == 2 && parts[1] == "resolve" && r.Method == http.MethodPost:
		h.resolve(w, r, nodeID)
	case r.Method == http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *NodeHandler) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.manager.Nodes(r.Context())
	if err != nil {
		h.logger.Error("Failed to list nodes", zap.Error(err))
		h.writeError(w, "Failed to list nodes", http.StatusInternalServerError)
		return
	}

	views := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, h.toView(n))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": views,
		"total": len(views),
	})
}

func (h *NodeHandler) getNode(w http.ResponseWriter, r *http.Request, id string) {
	nodes, err := h.manager.Nodes(r.Context())
	if err != nil {
		h.writeError(w, "Failed to list nodes", http.StatusInternalServerError)
		return
	}
	for _, n := range nodes {
		if n.ID == id {
			h.writeJSON(w, http.StatusOK, h.toView(n))
			return
		}
	}
	h.writeError(w, "Node not found", http.StatusNotFound)
}

func (h *NodeHandler) resolve(w http.ResponseWriter, r *http.Request, id string) {
	state := domain.NodeState(strings.ToUpper(r.URL.Query().Get("state")))
	if state == "" {
		h.writeError(w, "state is required", http.StatusBadRequest)
		return
	}

	if err := h.manager.Resolve(r.Context(), id, state); err != nil {
		h.logger.Warn("Manual resolution failed",
			zap.String("node_id", id),
			zap.String("state", string(state)),
			zap.Error(err),
		)
		h.writeError(w, err.Error(), statusForError(err))
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"node_id": id,
		"state":   string(state),
		"status":  "resolving",
	})
}

// statusForError maps resolution errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, anomaly.ErrNodeUnavailable):
		return http.StatusNotFound
	case errors.Is(err, anomaly.ErrResolutionInProgress):
		return http.StatusConflict
	case errors.Is(err, anomaly.ErrNoPlan),
		errors.Is(err, anomaly.ErrNoPolicy),
		errors.Is(err, anomaly.ErrPolicyFailed),
		errors.Is(err, migration.ErrInvalidPlan):
		return http.StatusUnprocessableEntity
	case errors.Is(err, anomaly.ErrWakeUpFailed), errors.Is(err, anomaly.ErrDestinationsUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func (h *NodeHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeError writes an error response.
func (h *NodeHandler) writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
