package api

import "net/http"

// handleListChannels returns the relay channels with their last known state.
func (s *Server) handleListChannels(w http.ResponseWriter, _ *http.Request) {
	chans := s.ctrl.Channels()
	writeJSON(w, http.StatusOK, map[string]any{"channels": chans, "count": len(chans)})
}

// handleListInterlocks returns the safety rules runs are checked against.
func (s *Server) handleListInterlocks(w http.ResponseWriter, _ *http.Request) {
	rules := s.ctrl.Table().Rules()
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules, "count": len(rules)})
}
