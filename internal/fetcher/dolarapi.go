package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	cclPath = "/v1/dolares/contadoconliqui"
	mepPath = "/v1/dolares/bolsa"
)

// AggregatorOptions parameterise the dolarapi client.
type AggregatorOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Aggregator fetches published dollar rates from dolarapi.com.
type Aggregator struct {
	opts    AggregatorOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewAggregator constructs the aggregator client.
func NewAggregator(opts AggregatorOptions, logger zerolog.Logger) *Aggregator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://dolarapi.com"
	}

	return &Aggregator{
		opts:    opts,
		logger:  logger.With().Str("component", "fx_aggregator").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// CCL returns the contado con liquidación rate.
func (a *Aggregator) CCL(ctx context.Context) (AggregatorQuote, error) {
	return a.fetch(ctx, cclPath)
}

// MEP returns the MEP (bolsa) rate.
func (a *Aggregator) MEP(ctx context.Context) (AggregatorQuote, error) {
	return a.fetch(ctx, mepPath)
}

type dolarResponse struct {
	Compra             decimal.NullDecimal `json:"compra"`
	Venta              decimal.NullDecimal `json:"venta"`
	FechaActualizacion string              `json:"fechaActualizacion"`
	Nombre             string              `json:"nombre"`
}

func (a *Aggregator) fetch(ctx context.Context, path string) (AggregatorQuote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return AggregatorQuote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(a.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return AggregatorQuote{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return AggregatorQuote{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return AggregatorQuote{}, parseHTTPError("dolarapi", resp.StatusCode, payload)
	}

	var body dolarResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return AggregatorQuote{}, fmt.Errorf("decode dolarapi response: %w", err)
	}

	quote := AggregatorQuote{
		Buy:        body.Compra.Decimal,
		Sell:       body.Venta.Decimal,
		LastUpdate: body.FechaActualizacion,
		Name:       body.Nombre,
	}
	a.logger.Debug().Str("path", path).Str("sell", quote.Sell.String()).Msg("aggregator quote fetched")
	return quote, nil
}

var _ FXAggregator = (*Aggregator)(nil)
