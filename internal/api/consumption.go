package api

import (
	"net/http"

	"github.com/bher20/utilitycost/internal/auth"
	"github.com/bher20/utilitycost/internal/recalc"
	"github.com/bher20/utilitycost/internal/storage"
)

func (s *Server) registerConsumptionRoutes(mux *http.ServeMux) {
	mux.Handle("POST /v1/consumption", s.route("/v1/consumption", auth.ObjConsumption, auth.ActWrite, s.handleRecordConsumption))
	mux.Handle("GET /v1/consumption", s.route("/v1/consumption", auth.ObjConsumption, auth.ActRead, s.handleListConsumption))
}

// handleRecordConsumption prices and stores a reading. A second reading for
// the same user, utility and month replaces the first.
func (s *Server) handleRecordConsumption(w http.ResponseWriter, r *http.Request) {
	var in recalc.ConsumptionInput
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.Job.RecordConsumption(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListConsumption(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.Store.ListConsumptionRecords(r.Context(), storage.ConsumptionFilter{
		UserID:       q.Get("user_id"),
		UtilityType:  q.Get("utility"),
		BillingMonth: q.Get("month"),
		Limit:        queryLimit(r, 100),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []storage.ConsumptionRecord{}
	}
	writeJSON(w, http.StatusOK, list)
}
