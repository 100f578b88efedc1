package runtime

import (
	"net/http"

	jsoncodec "github.com/drblury/pipeguard/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/pipeguard/internal/runtime/logging"
)

type stagesResponse struct {
	Stages      []StageInfo         `json:"stages"`
	DeadLetters *DeadLetterSnapshot `json:"dead_letters,omitempty"`
}

// registerHealthHandlers mounts the probe endpoints on their own port so
// they are answered even when every handler slot is busy.
func (s *Service) registerHealthHandlers() {
	port := s.Conf.HealthPort
	s.RegisterHTTPHandler(port, "/healthz", http.HandlerFunc(s.handleHealthz))
	s.RegisterHTTPHandler(port, "/readyz", http.HandlerFunc(s.handleReadyz))
	s.RegisterHTTPHandler(port, "/stages", http.HandlerFunc(s.handleStages))
}

func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	status := s.gate.Snapshot()
	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *Service) handleStages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := stagesResponse{Stages: make([]StageInfo, 0)}
	for _, st := range s.Stages() {
		resp.Stages = append(resp.Stages, st.Info())
	}
	if s.metrics != nil {
		snap := s.metrics.DeadLetters()
		resp.DeadLetters = &snap
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Service) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := jsoncodec.Encode(w, body); err != nil {
		s.Logger.Error("Failed to encode response", err, loggingpkg.LogFields{"status": code})
	}
}
