package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cedear-arbitrage/internal/arbitrage"
	"cedear-arbitrage/internal/batch"
	"cedear-arbitrage/internal/fetcher"
	"cedear-arbitrage/internal/fxrate"
	"cedear-arbitrage/internal/metrics"
	"cedear-arbitrage/internal/pricing"
	"cedear-arbitrage/internal/ratios"
	"cedear-arbitrage/internal/resolver"
	"cedear-arbitrage/internal/variation"
)

// RateService resolves exchange rates.
type RateService interface {
	GetRate(ctx context.Context, preferred string) (fxrate.Quote, error)
	GetMEPRate(ctx context.Context) (fxrate.Quote, error)
}

// PriceService resolves certificate prices.
type PriceService interface {
	GetPrice(ctx context.Context, symbol string, includeHistorical bool) (pricing.Price, error)
	GetPriceWithImpliedShareUSD(ctx context.Context, symbol string) (pricing.Valuation, error)
	Mode() pricing.Mode
}

// Detector finds arbitrage opportunities.
type Detector interface {
	DetectSingleAt(ctx context.Context, symbol string, threshold decimal.Decimal) (*arbitrage.Opportunity, error)
	DetectPortfolioAt(ctx context.Context, symbols []string, threshold decimal.Decimal) ([]arbitrage.Opportunity, []batch.SymbolError)
	Threshold() decimal.Decimal
}

// Analyzer explains day-over-day moves.
type Analyzer interface {
	AnalyzeSingle(ctx context.Context, symbol string) (*variation.Analysis, error)
	AnalyzePortfolio(ctx context.Context, symbols []string) ([]variation.Analysis, []batch.SymbolError)
}

// Handlers groups the services exposed over HTTP.
type Handlers struct {
	Service  string
	Rates    RateService
	Prices   PriceService
	Detector Detector
	Analyzer Analyzer
	// Symbols is the default portfolio when a request names none.
	Symbols []string
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// NewRouter builds the API routes.
func NewRouter(h *Handlers) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", h.Metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/mode", h.mode).Methods(http.MethodGet)
	api.HandleFunc("/rate", h.rate).Methods(http.MethodGet)
	api.HandleFunc("/rate/mep", h.mepRate).Methods(http.MethodGet)
	api.HandleFunc("/price/{symbol}", h.price).Methods(http.MethodGet)
	api.HandleFunc("/price/{symbol}/implied", h.impliedPrice).Methods(http.MethodGet)
	api.HandleFunc("/detect", h.detectPortfolio).Methods(http.MethodGet)
	api.HandleFunc("/detect/{symbol}", h.detectSingle).Methods(http.MethodGet)
	api.HandleFunc("/variation", h.variationPortfolio).Methods(http.MethodGet)
	api.HandleFunc("/variation/{symbol}", h.variationSingle).Methods(http.MethodGet)

	r.Use(loggingMiddleware(h.Logger))
	r.Use(recoveryMiddleware(h.Logger))
	return r
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": h.Service,
		"mode":    h.Prices.Mode(),
	})
}

func (h *Handlers) mode(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"mode": h.Prices.Mode()})
}

func (h *Handlers) rate(w http.ResponseWriter, r *http.Request) {
	quote, err := h.Rates.GetRate(r.Context(), r.URL.Query().Get("source"))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, quote)
}

func (h *Handlers) mepRate(w http.ResponseWriter, r *http.Request) {
	quote, err := h.Rates.GetMEPRate(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, quote)
}

func (h *Handlers) price(w http.ResponseWriter, r *http.Request) {
	history := r.URL.Query().Get("history") == "true"
	price, err := h.Prices.GetPrice(r.Context(), mux.Vars(r)["symbol"], history)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, price)
}

func (h *Handlers) impliedPrice(w http.ResponseWriter, r *http.Request) {
	val, err := h.Prices.GetPriceWithImpliedShareUSD(r.Context(), mux.Vars(r)["symbol"])
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, val)
}

// DetectResponse is the portfolio scan payload.
type DetectResponse struct {
	Mode          pricing.Mode            `json:"mode"`
	Threshold     decimal.Decimal         `json:"threshold"`
	Opportunities []arbitrage.Opportunity `json:"opportunities"`
	Errors        []batch.SymbolError     `json:"errors"`
}

func (h *Handlers) detectPortfolio(w http.ResponseWriter, r *http.Request) {
	threshold, err := h.threshold(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	opps, errs := h.Detector.DetectPortfolioAt(r.Context(), h.symbols(r), threshold)
	respondJSON(w, http.StatusOK, DetectResponse{
		Mode:          h.Prices.Mode(),
		Threshold:     threshold,
		Opportunities: nonNil(opps),
		Errors:        nonNil(errs),
	})
}

func (h *Handlers) detectSingle(w http.ResponseWriter, r *http.Request) {
	threshold, err := h.threshold(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	opp, err := h.Detector.DetectSingleAt(r.Context(), mux.Vars(r)["symbol"], threshold)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"opportunity": opp})
}

// VariationResponse is the portfolio analysis payload.
type VariationResponse struct {
	Analyses []variation.Analysis `json:"analyses"`
	Errors   []batch.SymbolError  `json:"errors"`
}

func (h *Handlers) variationPortfolio(w http.ResponseWriter, r *http.Request) {
	analyses, errs := h.Analyzer.AnalyzePortfolio(r.Context(), h.symbols(r))
	respondJSON(w, http.StatusOK, VariationResponse{Analyses: nonNil(analyses), Errors: nonNil(errs)})
}

func (h *Handlers) variationSingle(w http.ResponseWriter, r *http.Request) {
	analysis, err := h.Analyzer.AnalyzeSingle(r.Context(), mux.Vars(r)["symbol"])
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, analysis)
}

func (h *Handlers) threshold(r *http.Request) (decimal.Decimal, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("threshold"))
	if raw == "" {
		return h.Detector.Threshold(), nil
	}
	threshold, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid threshold %q", raw)
	}
	if threshold.IsNegative() {
		return decimal.Zero, fmt.Errorf("threshold must not be negative")
	}
	return threshold, nil
}

func (h *Handlers) symbols(r *http.Request) []string {
	raw := r.URL.Query().Get("symbols")
	if raw == "" {
		return h.Symbols
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.ToUpper(strings.TrimSpace(part)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ratios.ErrMissingRatio), errors.Is(err, fetcher.ErrSymbolNotFound):
		return http.StatusNotFound
	case errors.Is(err, resolver.ErrAllSourcesUnavailable), errors.Is(err, fetcher.ErrMarketClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, variation.ErrNoPreviousPrice), errors.Is(err, fetcher.ErrHistoricalUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func loggingMiddleware(logger zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

func recoveryMiddleware(logger zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("panic recovered")
					respondError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
