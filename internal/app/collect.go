package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"relayer-monitor/internal/fetcher"
	"relayer-monitor/internal/service"
	"relayer-monitor/internal/storage"
)

// Collect runs a single collection cycle for a source selected by id or
// name and prints the normalised balances.
func (a *App) Collect(ctx context.Context, opts CollectOptions) error {
	if opts.Source == "" {
		return errors.New("--source is required")
	}
	return a.withService(ctx, false, func(svc *service.Service) error {
		if err := svc.SeedSources(ctx); err != nil {
			return err
		}
		src, err := findSource(ctx, svc, opts.Source)
		if err != nil {
			return err
		}

		res, err := svc.Collect(ctx, src.ID)
		if err != nil {
			a.Logger.Warn().Str("reason", fetcher.Describe(err)).Msg("collection failed")
			return fmt.Errorf("collect %s: %w", src.Name, err)
		}

		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Chain\tAddress\tDenom\tBalance\tDecimals")
		for _, b := range res.Balances {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s %s\t%d\n", b.ChainName, b.Account, b.Denom, b.Human.String(), b.Symbol, b.Decimals)
		}
		writer.Flush()

		fmt.Fprintf(a.Out, "\n%d balances, %d new wallets, %d failed items, %d skipped lines, %d alerts\n",
			len(res.Balances), res.NewWallets, res.Failed(), res.ParseStats.Skipped, res.Alerts)
		for _, it := range res.Items {
			if it.Err != nil {
				fmt.Fprintf(a.Out, "  %s: %s\n", it.Key, it.Error)
			}
		}
		return nil
	})
}

func findSource(ctx context.Context, svc *service.Service, ref string) (storage.MetricSource, error) {
	sources, err := svc.Sources(ctx)
	if err != nil {
		return storage.MetricSource{}, err
	}
	id, idErr := strconv.ParseInt(ref, 10, 64)
	for _, src := range sources {
		if (idErr == nil && src.ID == id) || src.Name == ref {
			return src, nil
		}
	}
	return storage.MetricSource{}, fmt.Errorf("source %q: %w", ref, storage.ErrNotFound)
}
