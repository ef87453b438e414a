package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"cedear-arbitrage/internal/storage"
)

// Export renders historical data as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	from, to, err := a.exportWindow(opts)
	if err != nil {
		return err
	}

	if opts.Opportunities {
		records, err := store.ListOpportunitiesBetween(ctx, from, to)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			a.Logger.Info().Msg("no opportunities found for export window")
			return nil
		}
		records = downsample(records, opts.MaxPoints)
		a.Logger.Info().Int("exported", len(records)).Msg("exporting opportunities")
		if opts.CSVPath != "" {
			if err := writeOpportunitiesCSV(opts.CSVPath, records); err != nil {
				return err
			}
		}
		if opts.PNGPath != "" {
			return writeOpportunitiesPNG(opts.PNGPath, records)
		}
		return nil
	}

	samples, err := store.ListSamplesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Msg("no samples found for export window")
		return nil
	}

	downsampled := downsample(samples, opts.MaxPoints)
	a.Logger.Info().Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) exportWindow(opts ExportOptions) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	interval := a.Config.Scheduler.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

func downsample[T any](items []T, max int) []T {
	if max <= 0 || len(items) <= max {
		return items
	}
	if max == 1 {
		return items[len(items)-1:]
	}

	result := make([]T, 0, max)
	step := float64(len(items)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(items) {
			idx = len(items) - 1
		}
		result = append(result, items[idx])
	}
	return result
}

func writeSamplesCSV(path string, samples []storage.RateSample) error {
	header := []string{"bucket_ts", "run_id", "ccl_rate", "buy", "sell", "mep_rate", "source", "source_name", "fallback_used", "stale"}
	rows := make([][]string, 0, len(samples))
	for _, sample := range samples {
		mep := ""
		if sample.MEPRate.Valid {
			mep = sample.MEPRate.Decimal.String()
		}
		rows = append(rows, []string{
			sample.Bucket.Format(time.RFC3339),
			sample.RunID.String(),
			sample.Rate.String(),
			sample.Buy.String(),
			sample.Sell.String(),
			mep,
			sample.Source,
			sample.SourceName,
			strconv.FormatBool(sample.FallbackUsed),
			strconv.FormatBool(sample.Stale),
		})
	}
	return writeCSV(path, header, rows)
}

func writeOpportunitiesCSV(path string, records []storage.OpportunityRecord) error {
	header := []string{
		"bucket_ts", "symbol", "underlying_symbol", "certificate_price_usd", "underlying_price_usd",
		"difference_usd", "difference_pct", "threshold_pct", "exchange_rate", "certificate_price_local",
		"recommendation", "session_active", "estimated", "price_source", "rate_source", "price_stale", "rate_stale", "notified",
	}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.Bucket.Format(time.RFC3339),
			r.Symbol,
			r.UnderlyingSymbol,
			r.CertificatePriceUSD.String(),
			r.UnderlyingPriceUSD.String(),
			r.DifferenceUSD.String(),
			r.DifferencePct.String(),
			r.ThresholdPct.String(),
			r.ExchangeRate.String(),
			r.CertificatePriceLocal.String(),
			r.Recommendation,
			strconv.FormatBool(r.SessionActive),
			strconv.FormatBool(r.Estimated),
			r.PriceSource,
			r.RateSource,
			strconv.FormatBool(r.PriceStale),
			strconv.FormatBool(r.RateStale),
			strconv.FormatBool(r.Notified),
		})
	}
	return writeCSV(path, header, rows)
}

func writeCSV(path string, header []string, rows [][]string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return writer.Error()
}

func writeSamplesPNG(path string, samples []storage.RateSample) error {
	x := make([]time.Time, len(samples))
	ccl := make([]float64, len(samples))
	series := []chart.Series{}

	var mepX []time.Time
	var mep []float64
	for i, sample := range samples {
		x[i] = sample.Bucket
		ccl[i] = sample.Rate.InexactFloat64()
		if sample.MEPRate.Valid {
			mepX = append(mepX, sample.Bucket)
			mep = append(mep, sample.MEPRate.Decimal.InexactFloat64())
		}
	}
	series = append(series, chart.TimeSeries{Name: "CCL", XValues: x, YValues: ccl})
	if len(mep) > 1 {
		series = append(series, chart.TimeSeries{Name: "MEP", XValues: mepX, YValues: mep})
	}

	return renderChart(path, "Rate (ARS/USD)", series)
}

func writeOpportunitiesPNG(path string, records []storage.OpportunityRecord) error {
	bySymbol := make(map[string]*chart.TimeSeries)
	for _, r := range records {
		ts, ok := bySymbol[r.Symbol]
		if !ok {
			ts = &chart.TimeSeries{
				Name:  r.Symbol,
				Style: chart.Style{StrokeWidth: chart.Disabled, DotWidth: 4},
			}
			bySymbol[r.Symbol] = ts
		}
		pct := r.DifferencePct.Mul(decimal.NewFromInt(100))
		if r.Recommendation == "BUY_UNDERLYING" {
			pct = pct.Neg()
		}
		ts.XValues = append(ts.XValues, r.Bucket)
		ts.YValues = append(ts.YValues, pct.InexactFloat64())
	}

	symbols := make([]string, 0, len(bySymbol))
	for symbol := range bySymbol {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	series := make([]chart.Series, 0, len(symbols))
	for _, symbol := range symbols {
		ts := bySymbol[symbol]
		if len(ts.XValues) < 2 {
			// go-chart needs two points to derive a range.
			ts.XValues = append(ts.XValues, ts.XValues[0])
			ts.YValues = append(ts.YValues, ts.YValues[0])
		}
		series = append(series, *ts)
	}

	return renderChart(path, "Signed difference (%)", series)
}

func renderChart(path, yName string, series []chart.Series) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	formatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           yName,
			ValueFormatter: formatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
