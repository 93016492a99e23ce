package kernel

import "net/http"

// GET /v1/settings
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.MaskedSettings())
}

// handleUpdateSettings applies a partial update on top of the current
// settings. A masked or empty API key keeps the stored one.
// PUT /v1/settings
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	update := s.settings.MaskedSettings()
	if err := decodeBody(w, r, &update); err != nil {
		badRequest(w, "invalid settings: "+err.Error())
		return
	}

	if _, err := s.settings.Update(r.Context(), update); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_settings"})
		return
	}
	writeJSON(w, http.StatusOK, s.settings.MaskedSettings())
}
