package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"relayer-monitor/internal/storage"
)

// Export renders the balance history of one wallet and denom as CSV
// and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Wallet == "" || opts.Denom == "" {
		return errors.New("--wallet and --denom are required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, err := a.openStore(ctx, true)
	if err != nil {
		return err
	}
	defer store.Close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Collector.DefaultInterval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	entries, err := exportHistory(ctx, store, opts, from, to)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		a.Logger.Info().Msg("no history found for export window")
		return nil
	}

	downsampled := downsampleHistory(entries, opts.MaxPoints)
	a.Logger.Info().Int("total", len(entries)).Int("exported", len(downsampled)).Msg("exporting balance history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		title := fmt.Sprintf("%s %s", opts.Wallet, opts.Denom)
		if err := writeHistoryPNG(opts.PNGPath, title, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// exportHistory merges the history of every wallet record matching the
// address, one per address kind.
func exportHistory(ctx context.Context, store storage.Store, opts ExportOptions, from, to time.Time) ([]storage.HistoryEntry, error) {
	wallets, err := store.GetWallets(ctx, storage.WalletFilter{ChainID: opts.Chain, Address: opts.Wallet})
	if err != nil {
		return nil, err
	}
	if len(wallets) == 0 {
		return nil, fmt.Errorf("wallet %s: %w", opts.Wallet, storage.ErrNotFound)
	}

	var entries []storage.HistoryEntry
	for _, w := range wallets {
		rows, err := store.ListHistory(ctx, w.ID, opts.Denom, from, to)
		if err != nil {
			return nil, err
		}
		entries = append(entries, rows...)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	return entries, nil
}

func downsampleHistory(entries []storage.HistoryEntry, max int) []storage.HistoryEntry {
	if max <= 0 || len(entries) <= max {
		return entries
	}
	if max == 1 {
		return entries[len(entries)-1:]
	}

	result := make([]storage.HistoryEntry, 0, max)
	step := float64(len(entries)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(entries) {
			idx = len(entries) - 1
		}
		result = append(result, entries[idx])
	}
	return result
}

func writeHistoryCSV(path string, entries []storage.HistoryEntry) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "wallet_id", "denom", "old_balance", "new_balance", "delta", "direction"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, e := range entries {
		record := []string{
			e.Timestamp.UTC().Format(time.RFC3339),
			fmt.Sprint(e.WalletID),
			e.Denom,
			e.OldBalance.String(),
			e.NewBalance.String(),
			e.Delta.String(),
			string(e.Direction),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeHistoryPNG(path, title string, entries []storage.HistoryEntry) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(entries))
	balances := make([]float64, len(entries))
	deltas := make([]float64, len(entries))
	for i, e := range entries {
		x[i] = e.Timestamp
		balances[i] = e.NewBalance.InexactFloat64()
		deltas[i] = e.Delta.InexactFloat64()
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Balance",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Delta",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Balance",
				XValues: x,
				YValues: balances,
			},
			chart.TimeSeries{
				Name:    "Delta",
				XValues: x,
				YValues: deltas,
				YAxis:   chart.YAxisSecondary,
			},
		},
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
