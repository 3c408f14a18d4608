package api

import (
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bher20/utilitycost/internal/auth"
	"github.com/bher20/utilitycost/internal/rates"
	"github.com/bher20/utilitycost/internal/storage"
)

func (s *Server) registerRateRoutes(mux *http.ServeMux) {
	mux.Handle("GET /v1/rates/{utility}/resolve", s.route("/v1/rates/resolve", auth.ObjRates, auth.ActRead, s.handleResolve))
	mux.Handle("GET /v1/rates/{utility}", s.route("/v1/rates", auth.ObjRates, auth.ActRead, s.handleListRates))
	mux.Handle("POST /v1/rates/{utility}", s.route("/v1/rates", auth.ObjRates, auth.ActWrite, s.handlePublishRate))
	mux.Handle("GET /v1/estimate", s.route("/v1/estimate", auth.ObjRates, auth.ActRead, s.handleEstimate))
	mux.Handle("GET /v1/forecast", s.route("/v1/forecast", auth.ObjConsumption, auth.ActRead, s.handleForecast))
}

// handleResolve serves GET /v1/rates/{utility}/resolve?month=YYYY-MM.
// Optional tier_min and tier_max narrow the lookup to one bracket.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	month, err := rates.ParseMonth(r.URL.Query().Get("month"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tier, err := tierQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Lookup.Resolve(r.Context(), r.PathValue("utility"), month, tier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListRates(w http.ResponseWriter, r *http.Request) {
	list, err := s.Catalog.ListRates(r.Context(), r.PathValue("utility"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []storage.RateVersion{}
	}
	writeJSON(w, http.StatusOK, list)
}

type publishRequest struct {
	storage.RateVersion
	// MakeCurrent defaults to true.
	MakeCurrent *bool `json:"make_current,omitempty"`
}

// handlePublishRate is the publication adapter's HTTP entry point. The
// detector picks the new version up on its next pass.
func (s *Server) handlePublishRate(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	utility := r.PathValue("utility")
	req.UtilityType = utility
	makeCurrent := req.MakeCurrent == nil || *req.MakeCurrent

	rv, err := s.Catalog.Publish(r.Context(), req.RateVersion, makeCurrent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Lookup.Forget(utility)

	s.Logger.Info("rate version published",
		zap.String("utility_type", utility),
		zap.String("rate_version_id", rv.ID),
		zap.Time("effective_date", rv.EffectiveDate),
		zap.Bool("is_current", rv.IsCurrent),
	)
	writeJSON(w, http.StatusCreated, rv)
}

type estimateResponse struct {
	Resolution  rates.Resolution `json:"resolution"`
	Consumption decimal.Decimal  `json:"consumption"`
	Cost        rates.Cost       `json:"cost"`
}

// handleEstimate prices a consumption quantity without storing anything:
// GET /v1/estimate?utility=electricity&month=2024-03&consumption=120
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	month, err := rates.ParseMonth(q.Get("month"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	consumption, err := decimal.NewFromString(q.Get("consumption"))
	if err != nil || consumption.IsNegative() {
		s.writeError(w, r, fmt.Errorf("%w: consumption must be a non-negative number", errBadRequest))
		return
	}
	utility := q.Get("utility")
	if utility == "" {
		s.writeError(w, r, fmt.Errorf("%w: utility is required", errBadRequest))
		return
	}

	res, err := s.Lookup.Resolve(r.Context(), utility, month, rates.TierQuery{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, estimateResponse{
		Resolution:  res,
		Consumption: consumption,
		Cost:        rates.Calculate(consumption, res),
	})
}

// handleForecast serves GET /v1/forecast?user_id=&utility=[&month=]. The
// month defaults to the one after the current month.
func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, utility := q.Get("user_id"), q.Get("utility")
	if userID == "" || utility == "" {
		s.writeError(w, r, fmt.Errorf("%w: user_id and utility are required", errBadRequest))
		return
	}
	target := rates.MonthOf(s.Clock.Now()).Next()
	if raw := q.Get("month"); raw != "" {
		m, err := rates.ParseMonth(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		target = m
	}

	fc, err := s.Forecaster.Forecast(r.Context(), userID, utility, target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

func tierQuery(r *http.Request) (rates.TierQuery, error) {
	var q rates.TierQuery
	for name, dst := range map[string]**decimal.Decimal{"tier_min": &q.Min, "tier_max": &q.Max} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return q, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
		}
		*dst = &d
	}
	return q, nil
}
