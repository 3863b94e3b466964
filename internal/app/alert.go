package app

import (
	"context"
	"fmt"

	"relayer-monitor/internal/service"
)

// Alert raises a manual alert through the engine, so it is persisted,
// deduplicated and dispatched like any evaluated condition.
func (a *App) Alert(ctx context.Context, in service.ManualAlert) error {
	return a.withService(ctx, true, func(svc *service.Service) error {
		rec, outcome, err := svc.TriggerAlert(ctx, in)
		if err != nil {
			return err
		}
		switch {
		case outcome.Deduplicated:
			fmt.Fprintf(a.Out, "alert %d recorded; suppressed by dedup window\n", rec.ID)
		case outcome.Dispatched:
			fmt.Fprintf(a.Out, "alert %d dispatched: %d delivered, %d failed, %d skipped\n",
				rec.ID, outcome.Report.Delivered, outcome.Report.Failed, outcome.Report.Skipped)
		default:
			fmt.Fprintf(a.Out, "alert %d recorded; alerting disabled\n", rec.ID)
		}
		return nil
	})
}

// ResolveDecimals prints the decimals for denom on chain.
func (a *App) ResolveDecimals(ctx context.Context, chain, denom string, refresh bool) error {
	return a.withService(ctx, false, func(svc *service.Service) error {
		d, err := svc.ResolveDecimals(ctx, chain, denom, refresh)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "%s %s: %d decimals\n", chain, denom, d)
		return nil
	})
}
