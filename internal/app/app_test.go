package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cedear-arbitrage/internal/arbitrage"
	"cedear-arbitrage/internal/config"
	"cedear-arbitrage/internal/fetcher"
	"cedear-arbitrage/internal/storage"
)

func newTestApp(cfg *config.Config) (*App, *bytes.Buffer) {
	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func TestSimulateAlertRunsPipeline(t *testing.T) {
	cfg := &config.Config{}
	cfg.Alerting.Enabled = true
	cfg.Alerting.Channels = []string{"log"}
	cfg.Arbitrage.Threshold = 0.005
	a, out := newTestApp(cfg)

	err := a.SimulateAlert(context.Background(), SimulateOptions{
		Symbol:           "aapl",
		CertificateLocal: decimal.NewFromInt(20000),
		UnderlyingUSD:    decimal.NewFromInt(200),
		Rate:             decimal.NewFromInt(1000),
		Ratio:            decimal.NewFromInt(5),
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "1 opportunities, 1 notified")
	assert.Contains(t, out.String(), "AAPL (AAPL) - CERTIFICATE UNDERVALUED")
	assert.Contains(t, out.String(), "Difference:      50.00% (threshold 0.50%)")
}

func TestSimulateAlertWithoutSpread(t *testing.T) {
	cfg := &config.Config{}
	cfg.Alerting.Enabled = true
	cfg.Arbitrage.Threshold = 0.005
	a, _ := newTestApp(cfg)

	err := a.SimulateAlert(context.Background(), SimulateOptions{
		Symbol:           "KO",
		CertificateLocal: decimal.NewFromInt(12000),
		UnderlyingUSD:    decimal.NewFromInt(60),
		Rate:             decimal.NewFromInt(1000),
		Ratio:            decimal.NewFromInt(5),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no opportunity")
}

func TestSimulateAlertRequiresAlerting(t *testing.T) {
	a, _ := newTestApp(&config.Config{})
	assert.Error(t, a.SimulateAlert(context.Background(), SimulateOptions{Symbol: "AAPL"}))
}

type fakeHistory struct {
	rates map[string]decimal.Decimal
	calls []string
}

func (f *fakeHistory) HistoricalCCL(_ context.Context, day time.Time) (decimal.Decimal, error) {
	key := day.In(fetcher.BuenosAires).Format(time.DateOnly)
	f.calls = append(f.calls, key)
	if r, ok := f.rates[key]; ok {
		return r, nil
	}
	return decimal.Zero, fetcher.ErrHistoricalUnavailable
}

type memorySamples struct {
	samples []storage.RateSample
}

func (m *memorySamples) UpsertRateSample(_ context.Context, s storage.RateSample) error {
	m.samples = append(m.samples, s)
	return nil
}

func (m *memorySamples) ListSamplesBetween(context.Context, time.Time, time.Time) ([]storage.RateSample, error) {
	return m.samples, nil
}

func (m *memorySamples) ListRecentSamples(context.Context, int) ([]storage.RateSample, error) {
	return m.samples, nil
}

func (m *memorySamples) CountSamples(context.Context) (int64, error) {
	return int64(len(m.samples)), nil
}

func TestBackfillerSkipsNonBusinessDays(t *testing.T) {
	calendar, err := fetcher.NewCalendar([]string{"2025-03-04"})
	require.NoError(t, err)
	// The index is asked for the day after each business day.
	history := &fakeHistory{rates: map[string]decimal.Decimal{
		"2025-03-04": decimal.NewFromInt(1180),
		"2025-03-08": decimal.NewFromInt(1200),
	}}
	store := &memorySamples{}
	b := backfiller{calendar: calendar, history: history, store: store, logger: zerolog.Nop()}

	// Mon 3rd to Sun 9th; Tue 4th is a holiday.
	from := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	processed, failed, err := b.run(context.Background(), from, to)
	require.NoError(t, err)

	assert.Equal(t, 2, processed)
	assert.Equal(t, 2, failed)
	assert.Equal(t, []string{"2025-03-04", "2025-03-06", "2025-03-07", "2025-03-08"}, history.calls)
	require.Len(t, store.samples, 2)
	assert.Equal(t, time.Date(2025, 3, 3, 20, 0, 0, 0, time.UTC), store.samples[0].Bucket)
	assert.Equal(t, SourceCCLHistory, store.samples[0].Source)
	assert.Equal(t, store.samples[0].RunID, store.samples[1].RunID)
}

func TestBackfillerRejectsEmptyRange(t *testing.T) {
	calendar, _ := fetcher.NewCalendar(nil)
	b := backfiller{calendar: calendar, history: &fakeHistory{}, logger: zerolog.Nop()}
	now := time.Now()
	_, _, err := b.run(context.Background(), now, now.Add(-time.Hour))
	assert.Error(t, err)
}

func TestDownsample(t *testing.T) {
	in := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	assert.Equal(t, in, downsample(in, 0))
	assert.Equal(t, in, downsample(in, 20))
	assert.Equal(t, []int{0, 5, 9}, downsample(in, 3))
	assert.Equal(t, []int{9}, downsample(in, 1))
}

func TestWriteSamplesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "samples.csv")
	run := uuid.New()
	samples := []storage.RateSample{
		{Bucket: time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC), RunID: run, Rate: decimal.NewFromInt(1000), Buy: decimal.NewFromInt(995), Sell: decimal.NewFromInt(1005), MEPRate: decimal.NewNullDecimal(decimal.NewFromInt(980)), Source: "dolarapi_ccl"},
		{Bucket: time.Date(2025, 3, 10, 14, 5, 0, 0, time.UTC), RunID: run, Rate: decimal.NewFromInt(1001), Source: "ccl_bond", FallbackUsed: true},
	}
	require.NoError(t, writeSamplesCSV(path, samples))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "ccl_rate", rows[0][2])
	assert.Equal(t, "980", rows[1][5])
	assert.Equal(t, "", rows[2][5])
	assert.Equal(t, "true", rows[2][8])
}

func TestWriteOpportunitiesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opps.png")
	records := []storage.OpportunityRecord{
		{Bucket: time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC), Symbol: "AAPL", DifferencePct: decimal.RequireFromString("0.01"), Recommendation: "BUY_CERTIFICATE"},
		{Bucket: time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC), Symbol: "KO", DifferencePct: decimal.RequireFromString("0.02"), Recommendation: "BUY_UNDERLYING"},
		{Bucket: time.Date(2025, 3, 10, 16, 0, 0, 0, time.UTC), Symbol: "AAPL", DifferencePct: decimal.RequireFromString("0.015"), Recommendation: "BUY_CERTIFICATE"},
	}
	require.NoError(t, writeOpportunitiesPNG(path, records))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestWriteOpportunitiesText(t *testing.T) {
	var buf bytes.Buffer
	writeOpportunities(&buf, "LIMITED", decimal.RequireFromString("0.005"), 3, nil)
	assert.Contains(t, buf.String(), "Scanned 3 symbols in LIMITED mode, threshold 0.50%")
	assert.Contains(t, buf.String(), "no opportunities found")

	buf.Reset()
	writeOpportunities(&buf, "FULL", decimal.RequireFromString("0.01"), 1, []arbitrage.Opportunity{{Symbol: "NVDA", UnderlyingSymbol: "NVDA", Recommendation: arbitrage.BuyUnderlying}})
	assert.Contains(t, buf.String(), "NVDA (NVDA) - CERTIFICATE OVERVALUED")
}

func TestResolutionNote(t *testing.T) {
	assert.Equal(t, "", resolutionNote(false, false, false))
	assert.Equal(t, " (fallback, stale)", resolutionNote(true, false, true))
}

func TestMigrationSource(t *testing.T) {
	fsys, dir := migrationSource("does-not-exist")
	assert.Equal(t, "migrations", dir)
	entries, err := fs.ReadDir(fsys, dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "001_init.sql", entries[0].Name())

	_, dir = migrationSource(t.TempDir())
	assert.Equal(t, ".", dir)
}
