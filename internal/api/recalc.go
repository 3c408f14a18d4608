package api

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/bher20/utilitycost/internal/auth"
	"github.com/bher20/utilitycost/internal/recalc"
	"github.com/bher20/utilitycost/internal/storage"
)

func (s *Server) registerRecalcRoutes(mux *http.ServeMux) {
	mux.Handle("POST /v1/recalculations", s.route("/v1/recalculations", auth.ObjRecalc, auth.ActWrite, s.handleRecalculate))
	mux.Handle("GET /v1/recalculations", s.route("/v1/recalculations", auth.ObjRecalc, auth.ActRead, s.handleListRecalculations))
	mux.Handle("GET /v1/events", s.route("/v1/events", auth.ObjRecalc, auth.ActRead, s.handleListEvents))
	mux.Handle("GET /v1/jobs", s.route("/v1/jobs", auth.ObjRecalc, auth.ActRead, s.handleListJobs))
}

type recalcRequest struct {
	UtilityType  string `json:"utility_type"`
	BillingMonth string `json:"billing_month"`
}

type recalcResponse struct {
	recalc.MonthResult
	UtilityType string `json:"utility_type"`
}

// handleRecalculate reprices one month on demand. It answers 409 while a
// detection pass or another manual run holds the utility's claim, and while
// a newly published rate still awaits detection.
func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	var req recalcRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.UtilityType == "" {
		s.writeError(w, r, fmt.Errorf("%w: utility_type is required", errBadRequest))
		return
	}

	res, err := s.Job.RecalculateMonth(r.Context(), req.UtilityType, req.BillingMonth)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Logger.Info("manual recalculation finished",
		zap.String("utility_type", req.UtilityType),
		zap.String("billing_month", res.BillingMonth),
		zap.Int("updated", res.Updated),
	)
	writeJSON(w, http.StatusOK, recalcResponse{MonthResult: res, UtilityType: req.UtilityType})
}

func (s *Server) handleListRecalculations(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.ListMetricsRecalculations(r.Context(), r.URL.Query().Get("utility"), queryLimit(r, 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []storage.MetricsRecalculation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.ListRateUpdateEvents(r.Context(), r.URL.Query().Get("utility"), queryLimit(r, 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []storage.RateUpdateEvent{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.ListScheduledJobs(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []storage.ScheduledJob{}
	}
	writeJSON(w, http.StatusOK, list)
}
