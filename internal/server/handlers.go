package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Status == nil {
		s.writeError(w, http.StatusServiceUnavailable, "status source not wired")
		return
	}
	s.writeJSON(w, http.StatusOK, s.cfg.Status.StatusData())
}

func (s *Server) handleRegime(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Regime == nil {
		s.writeError(w, http.StatusServiceUnavailable, "regime source not wired")
		return
	}
	data, err := s.cfg.Regime.RegimeData()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if data == nil {
		s.writeError(w, http.StatusNotFound, "no regime snapshot computed yet")
		return
	}
	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Alerts == nil {
		s.writeError(w, http.StatusServiceUnavailable, "alert source not wired")
		return
	}
	q := r.URL.Query()
	hours, _ := strconv.Atoi(q.Get("hours"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	alerts, err := s.cfg.Alerts.RecentAlerts(q.Get("symbol"), hours, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

// handleSystem reports host resource usage for the GUI footer.
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if pcts, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pcts) > 0 {
		out["cpu_percent"] = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["memory_percent"] = vm.UsedPercent
		out["memory_used_mb"] = vm.Used / 1024 / 1024
	}
	s.writeJSON(w, http.StatusOK, out)
}
