package httpapi

import (
	"net/http"

	"github.com/zli117/Orbit-sub000/internal/importexport"
)

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="orbit-export.json"`)
	if err := importexport.Export(r.Context(), s.store, user.ID, w); err != nil {
		writeError(w, err)
		return
	}
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	userID, err := importexport.Import(r.Context(), s.store, r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"userId": userID})
}
