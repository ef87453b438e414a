package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrNoSession is returned when an operation needs an attached session.
var ErrNoSession = errors.New("broker: no session attached")

// Response is a raw broker answer.
type Response struct {
	StatusCode int
	Body       []byte
}

// Session is a pre-authenticated broker handle.
type Session interface {
	Get(ctx context.Context, path string) (*Response, error)
}

// SessionHolder is the one place a session lives. Every consumer reads
// through the same holder so attaching or detaching is seen by all of them.
type SessionHolder struct {
	mu        sync.RWMutex
	current   Session
	listeners []func(active bool)
}

// NewSessionHolder returns an empty holder (limited mode).
func NewSessionHolder() *SessionHolder {
	return &SessionHolder{}
}

// Set attaches s, or detaches when s is nil. Listeners run only when the
// attached/detached state flips.
func (h *SessionHolder) Set(s Session) {
	h.mu.Lock()
	wasActive := h.current != nil
	h.current = s
	isActive := s != nil
	listeners := append([]func(bool){}, h.listeners...)
	h.mu.Unlock()

	if wasActive == isActive {
		return
	}
	for _, fn := range listeners {
		fn(isActive)
	}
}

// Current returns the attached session or nil.
func (h *SessionHolder) Current() Session {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Active reports whether a session is attached.
func (h *SessionHolder) Active() bool {
	return h.Current() != nil
}

// OnChange registers fn to be called when the session is attached or detached.
func (h *SessionHolder) OnChange(fn func(active bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// TokenOptions configure a TokenSession.
type TokenOptions struct {
	BaseURL     string
	AccessToken string
	UserAgent   string
	Timeout     time.Duration
}

// TokenSession sends GETs with a pre-issued bearer token. Obtaining and
// refreshing the token is left to whoever supplies it.
type TokenSession struct {
	baseURL   string
	token     string
	userAgent string
	client    *http.Client
	logger    zerolog.Logger
}

// NewTokenSession builds a session; the token must be non-empty.
func NewTokenSession(opts TokenOptions, logger zerolog.Logger) (*TokenSession, error) {
	if strings.TrimSpace(opts.AccessToken) == "" {
		return nil, errors.New("broker access token is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.invertironline.com"
	}
	return &TokenSession{
		baseURL:   baseURL,
		token:     opts.AccessToken,
		userAgent: opts.UserAgent,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With().Str("component", "broker_session").Logger(),
	}, nil
}

// Get issues an authenticated GET for path.
func (s *TokenSession) Get(ctx context.Context, path string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/"+strings.TrimLeft(path, "/"), nil)
	if err != nil {
		return nil, fmt.Errorf("create broker request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/json")
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read broker response: %w", err)
	}
	s.logger.Debug().Str("path", path).Int("status", resp.StatusCode).Msg("broker request completed")
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// Quote is the subset of a broker instrument quote the engine reads.
type Quote struct {
	Last          decimal.Decimal
	PreviousClose decimal.NullDecimal
	Open          decimal.NullDecimal
}

// Yesterday returns the previous close, or the open when the close is missing.
func (q Quote) Yesterday() (decimal.Decimal, bool) {
	if q.PreviousClose.Valid && q.PreviousClose.Decimal.IsPositive() {
		return q.PreviousClose.Decimal, true
	}
	if q.Open.Valid && q.Open.Decimal.IsPositive() {
		return q.Open.Decimal, true
	}
	return decimal.Zero, false
}

type quotePayload struct {
	UltimoPrecio   decimal.NullDecimal `json:"ultimoPrecio"`
	CierreAnterior decimal.NullDecimal `json:"cierreAnterior"`
	Apertura       decimal.NullDecimal `json:"apertura"`
}

// FetchQuote reads one instrument quote for market/symbol through s.
func FetchQuote(ctx context.Context, s Session, market, symbol string) (Quote, error) {
	if s == nil {
		return Quote{}, ErrNoSession
	}
	path := fmt.Sprintf("/api/v2/%s/Titulos/%s/Cotizacion", url.PathEscape(market), url.PathEscape(symbol))
	resp, err := s.Get(ctx, path)
	if err != nil {
		return Quote{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("broker quote %s (%d): %s", symbol, resp.StatusCode, strings.TrimSpace(string(resp.Body)))
	}

	var payload quotePayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return Quote{}, fmt.Errorf("decode broker quote %s: %w", symbol, err)
	}
	if !payload.UltimoPrecio.Valid {
		return Quote{}, fmt.Errorf("broker quote %s: missing ultimoPrecio", symbol)
	}
	return Quote{
		Last:          payload.UltimoPrecio.Decimal,
		PreviousClose: payload.CierreAnterior,
		Open:          payload.Apertura,
	}, nil
}

var _ Session = (*TokenSession)(nil)
