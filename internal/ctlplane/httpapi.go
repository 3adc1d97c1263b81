// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	kzerrors "kzorp.dev/kzorp/internal/errors"
	"kzorp.dev/kzorp/internal/instance"
	"kzorp.dev/kzorp/internal/logging"
	"kzorp.dev/kzorp/internal/matcher"
	"kzorp.dev/kzorp/internal/metrics"
	"kzorp.dev/kzorp/internal/txn"
)

// HTTPAPI exposes the same dumps and queries the net/rpc Server answers,
// read-only, for operators and monitoring that would rather speak HTTP
// than net/rpc.
type HTTPAPI struct {
	manager   *txn.Manager
	instances *instance.Registry
	metrics   *metrics.Registry
	logger    *logging.Logger
	router    *mux.Router
}

// NewHTTPAPI builds the router. reg may be nil, in which case the
// /metrics route is not registered and requests to it get a 404.
func NewHTTPAPI(manager *txn.Manager, instances *instance.Registry, reg *metrics.Registry, logger *logging.Logger) *HTTPAPI {
	if logger == nil {
		logger = logging.Default()
	}
	h := &HTTPAPI{
		manager:   manager,
		instances: instances,
		metrics:   reg,
		logger:    logger.With("component", "httpapi"),
		router:    mux.NewRouter(),
	}
	h.setupRoutes()
	return h
}

func (h *HTTPAPI) setupRoutes() {
	api := h.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/version", h.handleVersion).Methods(http.MethodGet)
	api.HandleFunc("/zones", h.handleDumpZones).Methods(http.MethodGet)
	api.HandleFunc("/zones/{name}", h.handleGetZone).Methods(http.MethodGet)
	api.HandleFunc("/services", h.handleDumpServices).Methods(http.MethodGet)
	api.HandleFunc("/services/{name}", h.handleGetService).Methods(http.MethodGet)
	api.HandleFunc("/dispatchers/{name}", h.handleGetDispatcher).Methods(http.MethodGet)
	api.HandleFunc("/binds", h.handleDumpBinds).Methods(http.MethodGet)
	api.HandleFunc("/query", h.handleQuery).Methods(http.MethodGet)

	if h.metrics != nil {
		h.router.Handle("/metrics", promhttp.HandlerFor(h.metrics.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// Handler returns the assembled router for use with http.Server or
// httptest.Server.
func (h *HTTPAPI) Handler() http.Handler { return h.router }

func (h *HTTPAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

func (h *HTTPAPI) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch kzerrors.GetKind(err) {
	case kzerrors.KindNotFound:
		status = http.StatusNotFound
	case kzerrors.KindInvalidArgument:
		status = http.StatusBadRequest
	case kzerrors.KindAlreadyExists, kzerrors.KindTransactionConflict:
		status = http.StatusConflict
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *HTTPAPI) handleVersion(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, GetVersionReply{Major: versionMajor, Compat: versionCompat})
}

func (h *HTTPAPI) handleDumpZones(w http.ResponseWriter, _ *http.Request) {
	snap := h.manager.Acquire()
	defer h.manager.Release(snap)

	out := make([]ZoneRecord, len(snap.Zones))
	for i, z := range snap.Zones {
		out[i] = zoneRecord(z)
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *HTTPAPI) handleGetZone(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	snap := h.manager.Acquire()
	defer h.manager.Release(snap)

	z, ok := snap.ZoneIndex.ByName(name)
	if !ok {
		h.writeError(w, kzerrors.Errorf(kzerrors.KindNotFound, "zone %q not found", name))
		return
	}
	h.writeJSON(w, http.StatusOK, zoneRecord(z))
}

func (h *HTTPAPI) handleDumpServices(w http.ResponseWriter, _ *http.Request) {
	snap := h.manager.Acquire()
	defer h.manager.Release(snap)

	out := make([]ServiceRecord, len(snap.Services))
	for i, svc := range snap.Services {
		out[i] = serviceRecord(svc)
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *HTTPAPI) handleGetService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	snap := h.manager.Acquire()
	defer h.manager.Release(snap)

	svc, ok := snap.ServiceIndex[name]
	if !ok {
		h.writeError(w, kzerrors.Errorf(kzerrors.KindNotFound, "service %q not found", name))
		return
	}
	h.writeJSON(w, http.StatusOK, serviceRecord(svc))
}

func (h *HTTPAPI) handleGetDispatcher(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	snap := h.manager.Acquire()
	defer h.manager.Release(snap)

	d, ok := snap.DispatcherIndex[name]
	if !ok {
		h.writeError(w, kzerrors.Errorf(kzerrors.KindNotFound, "dispatcher %q not found", name))
		return
	}
	h.writeJSON(w, http.StatusOK, dispatcherRecord(d))
}

func (h *HTTPAPI) handleDumpBinds(w http.ResponseWriter, _ *http.Request) {
	var out []BindRecord
	for _, inst := range h.instances.All() {
		for _, b := range inst.Binds() {
			out = append(out, BindRecord{
				ID:           b.ID,
				InstanceName: inst.Name,
				Protocol:     b.Protocol,
				Address:      b.Address,
				Port:         b.Port,
			})
		}
	}
	h.writeJSON(w, http.StatusOK, out)
}

// handleQuery classifies a packet description passed as query parameters
// against the current snapshot, the HTTP counterpart of the net/rpc
// Query opcode.
func (h *HTTPAPI) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pkt, err := parseQueryPacket(q)
	if err != nil {
		h.writeError(w, err)
		return
	}

	snap := h.manager.Acquire()
	defer h.manager.Release(snap)

	v, ok := matcher.Match(snap, pkt)
	reply := QueryReply{Matched: ok}
	if ok {
		reply.DispatcherName = v.Dispatcher.Name
		if v.ClientZone != nil {
			reply.ClientZone = v.ClientZone.UniqueName
		}
		if v.ServerZone != nil {
			reply.ServerZone = v.ServerZone.UniqueName
		}
		if v.Service != nil {
			reply.ServiceName = v.Service.Name
		}
	}
	h.writeJSON(w, http.StatusOK, reply)
}

// parseQueryPacket builds a matcher.Packet from the query opcode's HTTP
// equivalent: ?proto=6&src=10.0.0.1&sport=1000&dst=10.0.0.2&dport=80&ifname=eth0
func parseQueryPacket(q map[string][]string) (matcher.Packet, error) {
	get := func(key string) string {
		if v := q[key]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	proto, err := strconv.ParseUint(get("proto"), 10, 8)
	if err != nil {
		return matcher.Packet{}, kzerrors.Wrap(err, kzerrors.KindInvalidArgument, "invalid proto")
	}
	src, err := netip.ParseAddr(get("src"))
	if err != nil {
		return matcher.Packet{}, kzerrors.Wrap(err, kzerrors.KindInvalidArgument, "invalid src")
	}
	dst, err := netip.ParseAddr(get("dst"))
	if err != nil {
		return matcher.Packet{}, kzerrors.Wrap(err, kzerrors.KindInvalidArgument, "invalid dst")
	}
	sport, err := strconv.ParseUint(get("sport"), 10, 16)
	if err != nil {
		return matcher.Packet{}, kzerrors.Wrap(err, kzerrors.KindInvalidArgument, "invalid sport")
	}
	dport, err := strconv.ParseUint(get("dport"), 10, 16)
	if err != nil {
		return matcher.Packet{}, kzerrors.Wrap(err, kzerrors.KindInvalidArgument, "invalid dport")
	}

	return matcher.Packet{
		IngressIfName: get("ifname"),
		Protocol:      uint8(proto),
		SrcAddr:       src,
		SrcPort:       uint16(sport),
		DstAddr:       dst,
		DstPort:       uint16(dport),
	}, nil
}
