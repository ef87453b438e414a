package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSession struct {
	status int
	body   string
	paths  []string
}

func (s *stubSession) Get(_ context.Context, path string) (*Response, error) {
	s.paths = append(s.paths, path)
	return &Response{StatusCode: s.status, Body: []byte(s.body)}, nil
}

func TestSessionHolderBroadcast(t *testing.T) {
	h := NewSessionHolder()
	var events []bool
	h.OnChange(func(active bool) { events = append(events, active) })

	assert.False(t, h.Active())

	s := &stubSession{}
	h.Set(s)
	h.Set(s)
	assert.True(t, h.Active())
	assert.Same(t, s, h.Current())

	h.Set(nil)
	h.Set(nil)
	assert.False(t, h.Active())

	assert.Equal(t, []bool{true, false}, events)
}

func TestNilHolderCurrent(t *testing.T) {
	var h *SessionHolder
	assert.Nil(t, h.Current())
	assert.False(t, h.Active())
}

func TestTokenSessionRequiresToken(t *testing.T) {
	_, err := NewTokenSession(TokenOptions{}, zerolog.Nop())
	require.Error(t, err)
}

func TestTokenSessionGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/v2/bCBA/Titulos/AL30/Cotizacion", r.URL.Path)
		_, _ = w.Write([]byte(`{"ultimoPrecio": 82500.5}`))
	}))
	defer srv.Close()

	s, err := NewTokenSession(TokenOptions{BaseURL: srv.URL + "/", AccessToken: "secret", Timeout: time.Second}, zerolog.Nop())
	require.NoError(t, err)

	resp, err := s.Get(context.Background(), "api/v2/bCBA/Titulos/AL30/Cotizacion")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ultimoPrecio": 82500.5}`, string(resp.Body))
}

func TestFetchQuote(t *testing.T) {
	s := &stubSession{status: http.StatusOK, body: `{"ultimoPrecio": 15200, "cierreAnterior": 15000, "apertura": 14900}`}
	q, err := FetchQuote(context.Background(), s, "bcba", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, []string{"/api/v2/bcba/Titulos/AAPL/Cotizacion"}, s.paths)
	assert.True(t, q.Last.Equal(decimal.NewFromInt(15200)))

	y, ok := q.Yesterday()
	require.True(t, ok)
	assert.True(t, y.Equal(decimal.NewFromInt(15000)))
}

func TestQuoteYesterdayFallsBackToOpen(t *testing.T) {
	s := &stubSession{status: http.StatusOK, body: `{"ultimoPrecio": 10, "cierreAnterior": null, "apertura": 9.5}`}
	q, err := FetchQuote(context.Background(), s, "bcba", "KO")
	require.NoError(t, err)
	y, ok := q.Yesterday()
	require.True(t, ok)
	assert.True(t, y.Equal(decimal.RequireFromString("9.5")))

	q.Open = decimal.NullDecimal{}
	_, ok = q.Yesterday()
	assert.False(t, ok)
}

func TestFetchQuoteErrors(t *testing.T) {
	_, err := FetchQuote(context.Background(), nil, "bcba", "KO")
	require.ErrorIs(t, err, ErrNoSession)

	_, err = FetchQuote(context.Background(), &stubSession{status: http.StatusUnauthorized, body: "expired"}, "bcba", "KO")
	require.Error(t, err)

	_, err = FetchQuote(context.Background(), &stubSession{status: http.StatusOK, body: `{}`}, "bcba", "KO")
	require.Error(t, err)

	_, err = FetchQuote(context.Background(), &stubSession{status: http.StatusOK, body: `not json`}, "bcba", "KO")
	require.Error(t, err)
}
