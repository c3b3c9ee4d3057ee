// Package api provides the HTTP handlers for running auctions and querying
// deals, reputation, the heartbeat, and the world network.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/freight-exchange/internal/auction"
	"github.com/atmx/freight-exchange/internal/deal"
	"github.com/atmx/freight-exchange/internal/heartbeat"
	"github.com/atmx/freight-exchange/internal/insight"
	"github.com/atmx/freight-exchange/internal/market"
	"github.com/atmx/freight-exchange/internal/model"
	"github.com/atmx/freight-exchange/internal/scoring"
	"github.com/atmx/freight-exchange/internal/store"
	"github.com/atmx/freight-exchange/internal/world"
)

// Service serves the exchange over HTTP.
type Service struct {
	ex *market.Exchange
}

// NewService creates the HTTP service for a built exchange.
func NewService(ex *market.Exchange) *Service {
	return &Service{ex: ex}
}

// Register mounts every handler on r. The caller chooses the prefix.
func (s *Service) Register(r chi.Router) {
	r.Get("/ws", s.ex.Hub.HandleWS)

	r.Post("/auctions", s.RunAuction)
	r.Get("/auctions", s.ListAuctions)
	r.Get("/auctions/{auctionID}", s.GetAuction)
	r.Post("/auctions/{auctionID}/retry", s.RetryPersistence)
	r.Get("/sellers/stats", s.SellerStats)

	r.Get("/deals", s.ListDeals)
	r.Get("/deals/stats", s.DealStats)
	r.Post("/deals/{dealID}/fulfillment", s.RecordFulfillment)

	r.Get("/reputation", s.TopReputation)
	r.Get("/reputation/{agentID}", s.GetReputation)

	r.Get("/heartbeat", s.HeartbeatStats)
	r.Post("/heartbeat/cities/{city}/replenish", s.Replenish)

	r.Get("/world", s.WorldSnapshot)
	r.Get("/world/route", s.WorldRoute)
	r.Get("/events", s.RecentEvents)
	r.Get("/insight", s.Insight)
}

// --- Request/Response types ---

// AuctionRequest is the JSON body for POST /auctions.
type AuctionRequest struct {
	OrderID       string          `json:"order_id"` // generated when empty
	Origin        string          `json:"origin"`
	Destination   string          `json:"destination"`
	WeightKg      float64         `json:"weight_kg"`
	Priority      model.Priority  `json:"priority"` // default MEDIUM
	MaxBudget     decimal.Decimal `json:"max_budget"`
	DeadlineHours float64         `json:"deadline_hours"` // 0 → 24
	BuyerID       string          `json:"buyer_id"`       // default: destination warehouse
	SellerIDs     []string        `json:"seller_ids"`     // default: every registered seller
	Strategy      string          `json:"strategy,omitempty"`
	Weights       *model.Weights  `json:"weights,omitempty"`
}

// FulfillmentRequest is the JSON body for POST /deals/{dealID}/fulfillment.
type FulfillmentRequest struct {
	ActualETA float64 `json:"actual_eta"`
}

// ReplenishRequest is the JSON body for the replenish endpoint.
type ReplenishRequest struct {
	Amount int `json:"amount"`
}

// RouteResponse describes the cheapest path between two cities.
type RouteResponse struct {
	Path      world.Path      `json:"path"`
	FairLow   decimal.Decimal `json:"fair_price_low"`
	FairHigh  decimal.Decimal `json:"fair_price_high"`
	WeightKg  float64         `json:"weight_kg"`
	TravelHrs float64         `json:"travel_hours"`
}

// InsightResponse pairs the market statistics with their narrative.
type InsightResponse struct {
	Narrative  string             `json:"narrative"`
	Statistics insight.Statistics `json:"statistics"`
}

// --- Auctions ---

// RunAuction handles POST /api/v1/auctions
// Runs the auction to completion and returns it, won or failed.
func (s *Service) RunAuction(w http.ResponseWriter, r *http.Request) {
	var req AuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	for _, c := range []string{req.Origin, req.Destination} {
		if _, ok := s.ex.World.City(c); !ok {
			writeError(w, "unknown city: "+c, http.StatusBadRequest)
			return
		}
	}
	if req.Origin == req.Destination {
		writeError(w, "origin and destination must differ", http.StatusBadRequest)
		return
	}
	if req.WeightKg <= 0 {
		writeError(w, "weight_kg must be positive", http.StatusBadRequest)
		return
	}
	switch req.Priority {
	case "":
		req.Priority = model.PriorityMedium
	case model.PriorityCritical, model.PriorityHigh, model.PriorityMedium, model.PriorityLow:
	default:
		writeError(w, "priority must be CRITICAL, HIGH, MEDIUM, or LOW", http.StatusBadRequest)
		return
	}
	if req.DeadlineHours < 0 {
		writeError(w, "deadline_hours must not be negative", http.StatusBadRequest)
		return
	}
	if req.DeadlineHours == 0 {
		req.DeadlineHours = 24
	}

	var weights model.Weights
	switch {
	case req.Strategy != "" && req.Weights != nil:
		writeError(w, "set strategy or weights, not both", http.StatusBadRequest)
		return
	case req.Strategy != "":
		wt, err := scoring.WeightsForStrategy(req.Strategy)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		weights = wt
	case req.Weights != nil:
		weights = *req.Weights
	}

	now := time.Now().UTC()
	order := model.Order{
		ID:          req.OrderID,
		Origin:      req.Origin,
		Destination: req.Destination,
		WeightKg:    req.WeightKg,
		Priority:    req.Priority,
		MaxBudget:   req.MaxBudget,
		Deadline:    now.Add(time.Duration(req.DeadlineHours * float64(time.Hour))),
		CreatedAt:   now,
	}
	if order.ID == "" {
		order.ID = "ORD-" + uuid.New().String()
	}
	buyer := req.BuyerID
	if buyer == "" {
		buyer = heartbeat.BuyerID(req.Destination)
	}
	sellers := req.SellerIDs
	if len(sellers) == 0 {
		sellers = s.ex.Orchestrator.Collector().SellerIDs()
	}

	a, err := s.ex.Orchestrator.RunAuction(r.Context(), order, buyer, sellers, weights)
	if err != nil {
		switch {
		case errors.Is(err, auction.ErrConfiguration), errors.Is(err, auction.ErrInvalidOrder):
			writeError(w, err.Error(), http.StatusBadRequest)
		default:
			slog.Error("auction request failed", "order_id", order.ID, "err", err)
			writeError(w, "auction failed", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// ListAuctions handles GET /api/v1/auctions
// Returns closed auctions newest first, optionally ?limit=N.
func (s *Service) ListAuctions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.ex.Orchestrator.History(limit))
}

// GetAuction handles GET /api/v1/auctions/{auctionID}
func (s *Service) GetAuction(w http.ResponseWriter, r *http.Request) {
	a, err := s.ex.Orchestrator.Get(chi.URLParam(r, "auctionID"))
	if err != nil {
		writeError(w, "auction not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// RetryPersistence handles POST /api/v1/auctions/{auctionID}/retry
func (s *Service) RetryPersistence(w http.ResponseWriter, r *http.Request) {
	a, err := s.ex.Orchestrator.RetryPersistence(r.Context(), chi.URLParam(r, "auctionID"))
	switch {
	case errors.Is(err, auction.ErrNotFound):
		writeError(w, "auction not found", http.StatusNotFound)
	case errors.Is(err, auction.ErrNotRetryable):
		writeError(w, err.Error(), http.StatusConflict)
	case err != nil:
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		writeJSON(w, http.StatusOK, a)
	}
}

// SellerStats handles GET /api/v1/sellers/stats
func (s *Service) SellerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ex.Orchestrator.SellerStats())
}

// --- Deals ---

// ListDeals handles GET /api/v1/deals
// Filters: agent, outcome, from, to (RFC 3339), limit, offset.
func (s *Service) ListDeals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dq := store.DealQuery{
		AgentID: q.Get("agent"),
		Outcome: model.DealOutcome(strings.ToUpper(q.Get("outcome"))),
	}
	if dq.Outcome != "" && dq.Outcome != model.OutcomeSuccess && dq.Outcome != model.OutcomeFailure {
		writeError(w, "outcome must be SUCCESS or FAILURE", http.StatusBadRequest)
		return
	}
	var err error
	if dq.From, err = timeParam(r, "from"); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if dq.To, err = timeParam(r, "to"); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if dq.Limit, err = intParam(r, "limit", store.DefaultLimit); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if dq.Offset, err = intParam(r, "offset", 0); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	deals, err := s.ex.Store.ListDeals(r.Context(), dq)
	if err != nil {
		writeError(w, "failed to list deals", http.StatusInternalServerError)
		return
	}
	if deals == nil {
		deals = []model.DealRecord{}
	}
	writeJSON(w, http.StatusOK, deals)
}

// DealStats handles GET /api/v1/deals/stats, optionally ?agent=ID.
func (s *Service) DealStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ex.Store.DealStats(r.Context(), r.URL.Query().Get("agent"))
	if err != nil {
		writeError(w, "failed to compute deal statistics", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// RecordFulfillment handles POST /api/v1/deals/{dealID}/fulfillment
func (s *Service) RecordFulfillment(w http.ResponseWriter, r *http.Request) {
	var req FulfillmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	f, err := s.ex.Deals.RecordFulfillment(r.Context(), chi.URLParam(r, "dealID"), req.ActualETA)
	switch {
	case errors.Is(err, deal.ErrInvalidETA):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "deal not found", http.StatusNotFound)
	case errors.Is(err, store.ErrDuplicateFulfillment):
		writeError(w, "fulfillment already recorded", http.StatusConflict)
	case err != nil:
		writeError(w, "failed to record fulfillment", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusCreated, f)
	}
}

// --- Reputation ---

// GetReputation handles GET /api/v1/reputation/{agentID}
// Unknown agents get the neutral default.
func (s *Service) GetReputation(w http.ResponseWriter, r *http.Request) {
	rep, err := s.ex.Reputation.Get(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, "failed to load reputation", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// TopReputation handles GET /api/v1/reputation?type=seller&metric=overall&limit=10
func (s *Service) TopReputation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentType := model.AgentType(strings.ToUpper(q.Get("type")))
	if agentType != "" && agentType != model.AgentBuyer && agentType != model.AgentSeller {
		writeError(w, "type must be buyer or seller", http.StatusBadRequest)
		return
	}
	metric, err := store.ParseMetric(q.Get("metric"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := intParam(r, "limit", 10)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	top, err := s.ex.Reputation.Top(r.Context(), agentType, metric, limit)
	if err != nil {
		writeError(w, "failed to rank agents", http.StatusInternalServerError)
		return
	}
	if top == nil {
		top = []model.ReputationScore{}
	}
	writeJSON(w, http.StatusOK, top)
}

// --- Heartbeat and world ---

// HeartbeatStats handles GET /api/v1/heartbeat
func (s *Service) HeartbeatStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ex.Heartbeat.Stats())
}

// Replenish handles POST /api/v1/heartbeat/cities/{city}/replenish
func (s *Service) Replenish(w http.ResponseWriter, r *http.Request) {
	var req ReplenishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	c, err := s.ex.Heartbeat.Replenish(chi.URLParam(r, "city"), req.Amount)
	switch {
	case errors.Is(err, heartbeat.ErrUnknownCity):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, heartbeat.ErrInvalidAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		writeError(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, c)
	}
}

// WorldSnapshot handles GET /api/v1/world
func (s *Service) WorldSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ex.World.Snapshot())
}

// WorldRoute handles GET /api/v1/world/route?from=A&to=B&weight_kg=W
func (s *Service) WorldRoute(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	weight := 1000.0
	if v := q.Get("weight_kg"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			writeError(w, "weight_kg must be a positive number", http.StatusBadRequest)
			return
		}
		weight = f
	}

	path, err := s.ex.World.ShortestPath(from, to)
	switch {
	case errors.Is(err, world.ErrUnknownCity):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, world.ErrNoRoute):
		writeError(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	lo, hi, err := s.ex.World.FairPriceRange(from, to, weight)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, RouteResponse{
		Path:      path,
		FairLow:   lo,
		FairHigh:  hi,
		WeightKg:  weight,
		TravelHrs: path.TravelHours(world.DefaultSpeedMPH),
	})
}

// RecentEvents handles GET /api/v1/events?auction_id=ID&limit=N
func (s *Service) RecentEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	evs := s.ex.Bus.Recent(limit, r.URL.Query().Get("auction_id"))
	if evs == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

// Insight handles GET /api/v1/insight
func (s *Service) Insight(w http.ResponseWriter, r *http.Request) {
	stats, text, err := s.ex.Explain(r.Context())
	if err != nil {
		slog.Error("insight failed", "err", err)
		writeError(w, "failed to build market insight", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, InsightResponse{Narrative: text, Statistics: stats})
}

// --- Helpers ---

func intParam(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func timeParam(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New(key + " must be an RFC 3339 timestamp")
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
