package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"relayer-monitor/internal/service"
)

// Show prints stored balances and, optionally, recent alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	return a.withService(ctx, true, func(svc *service.Service) error {
		groups, err := svc.Balances(ctx, opts.Chain)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			fmt.Fprintln(a.Out, "no balances found")
		} else {
			writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "Chain\tAddress\tDenom\tBalance\tDecimals\tUpdated (UTC)")
			for _, g := range groups {
				for _, b := range g.Wallets {
					fmt.Fprintf(writer, "%s\t%s\t%s\t%s %s\t%d\t%s\n",
						g.ChainName,
						b.Account,
						b.Denom,
						b.Human.StringFixed(6),
						b.Symbol,
						b.Decimals,
						b.Timestamp.UTC().Format(time.RFC3339),
					)
				}
			}
			writer.Flush()
		}

		if opts.Alerts <= 0 {
			return nil
		}
		alerts, err := svc.Alerts(ctx, opts.Alerts)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.Out)
		if len(alerts) == 0 {
			fmt.Fprintln(a.Out, "no alerts found")
			return nil
		}
		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "ID\tTime (UTC)\tSeverity\tType\tChain\tAck\tMessage")
		for _, al := range alerts {
			fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%t\t%s\n",
				al.ID,
				al.CreatedAt.UTC().Format(time.RFC3339),
				al.Severity,
				al.Type,
				al.ChainName,
				al.Acknowledged,
				sanitizeInline(al.Message),
			)
		}
		writer.Flush()
		return nil
	})
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
