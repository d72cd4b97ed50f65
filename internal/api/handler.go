package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/sebastiankruger/cell-sequencer/internal/cell"
	"github.com/sebastiankruger/cell-sequencer/internal/core"
)

const maxEvents = 1000

// Handler handles REST API requests for the cell
type Handler struct {
	runner *cell.Runner
}

// NewHandler creates an API handler for a cell runner
func NewHandler(runner *cell.Runner) *Handler {
	return &Handler{runner: runner}
}

// Register adds all API routes to mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", h.HandleStatus)
	mux.HandleFunc("/api/nodes", h.HandleNodes)
	mux.HandleFunc("/api/waypoints", h.HandleWaypoints)
	mux.HandleFunc("/api/events", h.HandleEvents)
	mux.HandleFunc("/api/config", h.HandleConfig)
}

// HandleStatus handles GET /api/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, h.runner.Status())
}

// HandleNodes handles GET /api/nodes
func (h *Handler) HandleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := h.runner.Name()
	nodes := []NodeInfo{}
	for _, nd := range h.runner.GetOPCUANodes() {
		nodes = append(nodes, NodeInfo{
			Name:        nd.Name,
			NodeID:      fmt.Sprintf("ns=%d;s=%s.%s", core.NamespaceCell, name, nd.Name),
			DataType:    DataTypeToString(nd.DataType),
			Unit:        nd.Unit,
			Description: nd.Description,
		})
	}

	data := h.runner.GenerateData()
	state, _ := data["State"].(int32)
	h.writeJSON(w, NodesResponse{
		Name:      name,
		Type:      h.runner.MachineType(),
		Namespace: core.NamespaceCell,
		State:     int(state),
		StateName: core.MachineState(state).String(),
		Data:      data,
		Nodes:     nodes,
	})
}

// HandleWaypoints handles GET /api/waypoints
func (h *Handler) HandleWaypoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, NewWaypointsResponse(h.runner.Profile()))
}

// HandleEvents handles GET /api/events?limit=N
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxEvents {
			http.Error(w, fmt.Sprintf("limit must be between 1 and %d", maxEvents), http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := h.runner.Events(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read cycle events")
		http.Error(w, "Failed to read events", http.StatusInternalServerError)
		return
	}

	resp := EventsResponse{Events: []EventInfo{}}
	for _, ev := range events {
		resp.Events = append(resp.Events, newEventInfo(ev))
	}
	h.writeJSON(w, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// HandleConfig handles GET and POST /api/config
func (h *Handler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	// Handle CORS preflight
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.writeConfig(w)
	case http.MethodPost:
		h.handleConfigUpdate(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) writeConfig(w http.ResponseWriter) {
	snapshot := h.runner.GetRuntimeConfig().Snapshot()
	h.writeJSON(w, ConfigResponse{
		TimeScale: snapshot.TimeScale,
		FaultRate: snapshot.FaultRate,
	})
}

func (h *Handler) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var req ConfigUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	rc := h.runner.GetRuntimeConfig()

	if req.TimeScale != nil {
		if err := rc.SetTimeScale(*req.TimeScale); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.FaultRate != nil {
		if err := rc.SetFaultRate(*req.FaultRate); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	snapshot := rc.Snapshot()
	log.Info().
		Float64("timeScale", snapshot.TimeScale).
		Float64("faultRate", snapshot.FaultRate).
		Msg("Runtime config updated")

	h.writeConfig(w)
}
