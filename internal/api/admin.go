package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/SkynetNext/sockops-binder/internal/config"
	"github.com/SkynetNext/sockops-binder/internal/maps"
	"github.com/SkynetNext/sockops-binder/internal/metrics"
	"github.com/SkynetNext/sockops-binder/internal/sockops"
	"github.com/SkynetNext/sockops-binder/pkg/linux"
	"github.com/SkynetNext/sockops-binder/pkg/xlog"
)

// PolicyController owns the policy in effect.
type PolicyController interface {
	Policy() sockops.Policy
	ApplyPolicy(ctx context.Context, p sockops.Policy) error
}

// LocalChecker reports whether an address belongs to this node.
type LocalChecker interface {
	IsLocal(addr uint32) bool
}

// AdminAPI provides the control plane API: configuration, policy, and
// table dumps.
type AdminAPI struct {
	cfg       *config.Config
	policy    PolicyController
	inspector maps.Inspector
	node      LocalChecker
	store     *config.RedisStore
	limiter   *rate.Limiter
	mu        sync.RWMutex
}

// NewAdminAPI wires the handlers. inspector, node and store may be nil.
func NewAdminAPI(cfg *config.Config, policy PolicyController, inspector maps.Inspector, node LocalChecker, store *config.RedisStore) *AdminAPI {
	return &AdminAPI{
		cfg:       cfg,
		policy:    policy,
		inspector: inspector,
		node:      node,
		store:     store,
		// Each policy change reassembles and reloads the kernel program.
		limiter: rate.NewLimiter(rate.Limit(1), 5),
	}
}

// RegisterRoutes registers admin API routes
func (a *AdminAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/admin/config", TracingMiddleware(http.HandlerFunc(a.handleConfig)))
	mux.Handle("/admin/policy", TracingMiddleware(http.HandlerFunc(a.handlePolicy)))
	mux.Handle("/admin/tables/process", TracingMiddleware(http.HandlerFunc(a.handleProcessTable)))
	mux.Handle("/admin/tables/pairs", TracingMiddleware(http.HandlerFunc(a.handlePairTable)))
	mux.HandleFunc("/admin/health", a.handleHealth)
}

// UpdateConfig swaps the configuration shown by /admin/config.
func (a *AdminAPI) UpdateConfig(cfg *config.Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

// GET /admin/config - Get current configuration
func (a *AdminAPI) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.mu.RLock()
	cfg := *a.cfg
	a.mu.RUnlock()

	if cfg.Redis.Password != "" {
		cfg.Redis.Password = "******"
	}
	writeJSON(w, http.StatusOK, cfg)
}

type policyView struct {
	ReconnectGuard bool   `json:"reconnect_guard"`
	RedirectPort   uint16 `json:"redirect_port"`
	UnresolvedIP   string `json:"unresolved_ip"`
}

func viewPolicy(p sockops.Policy) policyView {
	return policyView{
		ReconnectGuard: p.ReconnectGuard,
		RedirectPort:   p.RedirectPort,
		UnresolvedIP:   linux.Linux2IP(p.UnresolvedAddr),
	}
}

// GET /admin/policy - Get the policy in effect
// POST /admin/policy - Change it at runtime (not persisted)
func (a *AdminAPI) handlePolicy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, viewPolicy(a.policy.Policy()))
	case http.MethodPost:
		a.updatePolicy(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *AdminAPI) updatePolicy(w http.ResponseWriter, r *http.Request) {
	if !a.limiter.Allow() {
		http.Error(w, "Too many policy changes", http.StatusTooManyRequests)
		return
	}

	var req struct {
		ReconnectGuard *bool   `json:"reconnect_guard"`
		RedirectPort   *uint16 `json:"redirect_port"`
		UnresolvedIP   *string `json:"unresolved_ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	p := a.policy.Policy()
	if req.ReconnectGuard != nil {
		p.ReconnectGuard = *req.ReconnectGuard
	}
	if req.RedirectPort != nil {
		p.RedirectPort = *req.RedirectPort
	}
	if req.UnresolvedIP != nil {
		addr, err := linux.IP2Linux(*req.UnresolvedIP)
		if err != nil {
			http.Error(w, "Invalid unresolved_ip: "+err.Error(), http.StatusBadRequest)
			return
		}
		p.UnresolvedAddr = addr
	}
	if err := p.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := a.policy.ApplyPolicy(r.Context(), p); err != nil {
		xlog.Errorf("Admin policy update failed: %v", err)
		http.Error(w, "Failed to apply policy", http.StatusInternalServerError)
		return
	}
	metrics.RecordPolicyReload("admin")
	xlog.Infof("Policy updated via admin API: %s", p)

	writeJSON(w, http.StatusOK, viewPolicy(p))
}

type processEntry struct {
	PID       uint32 `json:"pid"`
	Addr      string `json:"addr"`
	NodeLocal bool   `json:"node_local"`
}

// GET /admin/tables/process - Dump learned process addresses
func (a *AdminAPI) handleProcessTable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.inspector == nil {
		http.Error(w, "Tables not available", http.StatusServiceUnavailable)
		return
	}

	entries, err := a.inspector.ProcessEntries()
	if err != nil {
		xlog.Errorf("Dump %s failed: %v", maps.TableProcesses, err)
		http.Error(w, "Failed to read table", http.StatusInternalServerError)
		return
	}

	out := make([]processEntry, 0, len(entries))
	for pid, addr := range entries {
		e := processEntry{PID: pid, Addr: linux.Linux2IP(addr)}
		if a.node != nil {
			e.NodeLocal = a.node.IsLocal(addr)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	writeJSON(w, http.StatusOK, out)
}

type pairEntry struct {
	Local       string `json:"local"`
	Remote      string `json:"remote"`
	OriginalDst string `json:"original_dst"`
	PID         uint32 `json:"pid"`
	State       string `json:"state"`
}

// GET /admin/tables/pairs - Dump published tuple bindings
func (a *AdminAPI) handlePairTable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.inspector == nil {
		http.Error(w, "Tables not available", http.StatusServiceUnavailable)
		return
	}

	entries, err := a.inspector.PairEntries()
	if err != nil {
		xlog.Errorf("Dump %s failed: %v", maps.TablePairs, err)
		http.Error(w, "Failed to read table", http.StatusInternalServerError)
		return
	}

	out := make([]pairEntry, 0, len(entries))
	for key, rec := range entries {
		out = append(out, pairEntry{
			Local:       endpoint(key.LocalAddr, key.LocalPort),
			Remote:      endpoint(key.RemoteAddr, key.RemotePort),
			OriginalDst: endpoint(rec.Addr, rec.Port),
			PID:         rec.PID,
			State:       rec.State().String(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Local != out[j].Local {
			return out[i].Local < out[j].Local
		}
		return out[i].Remote < out[j].Remote
	})
	writeJSON(w, http.StatusOK, out)
}

// GET /admin/health - Admin API health check
func (a *AdminAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}

	switch err := a.store.CheckHealth(); {
	case errors.Is(err, config.ErrRedisNotEnabled):
		status["redis"] = "disabled"
	case err != nil:
		status["redis"] = err.Error()
		status["status"] = "degraded"
	default:
		status["redis"] = "ok"
	}

	if a.inspector != nil {
		if counts, err := a.inspector.Counts(); err == nil {
			status["tables"] = counts
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func endpoint(addr uint32, port uint16) string {
	return netip.AddrPortFrom(linux.Linux2Addr(addr), port).String()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		xlog.Warnf("Admin response encode failed: %v", err)
	}
}
