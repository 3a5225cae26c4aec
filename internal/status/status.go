// Package status renders the balancer's configured interfaces as a
// table for the -stats flag and SIGUSR1 handler.
package status

import (
	"fmt"

	"github.com/jedib0t/go-pretty/table"

	"dispatchproxy/internal/addr"
	"dispatchproxy/internal/balancer"
)

// Render formats snap as a table of source address, family, metric,
// in-use count, and load ratio (in_use/metric), one row per interface,
// followed by a line giving liveSessions — the reactor group's current
// Count(), i.e. every session registered regardless of dialogue state.
func Render(snap []balancer.Snapshot, liveSessions int) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{"Interface", "Family", "Metric", "In Use", "Load"})

	for _, s := range snap {
		family := "inet"
		if s.Source.Family() == addr.FamilyInet6 {
			family = "inet6"
		}
		t.AppendRow(table.Row{
			addr.HostToStr(s.Source),
			family,
			s.Metric,
			s.InUse,
			fmt.Sprintf("%.2f", float64(s.InUse)/float64(s.Metric)),
		})
	}

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1},
		{Number: 2},
		{Number: 3},
		{Number: 4},
		{Number: 5},
	})

	return t.Render() + fmt.Sprintf("\nLive sessions: %d\n", liveSessions)
}
