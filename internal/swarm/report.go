// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package swarm

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
)

// WriteNodes renders one row per node with its routing table shape.
func (s *Swarm) WriteNodes(w io.Writer) {
	t := table.NewWriter()

	t.AppendHeader(table.Row{"node", "peers", "buckets", "closest bucket", "farthest bucket", "sessions"})

	for _, n := range s.nodes {
		buckets := n.Buckets()

		closest, farthest := "-", "-"
		if len(buckets) != 0 {
			closest = fmt.Sprintf("%d (%d)", buckets[0].Index, len(buckets[0].IDs))
			last := buckets[len(buckets)-1]
			farthest = fmt.Sprintf("%d (%d)", last.Index, len(last.IDs))
		}

		t.AppendRow(table.Row{n.ID().Short(), n.Len(), len(buckets), closest, farthest, n.Sessions()})
	}

	t.SortBy([]table.SortBy{{Name: "node"}})

	_, _ = io.WriteString(w, t.Render())
	_, _ = fmt.Fprintln(w)

	stats := s.network.Stats()
	_, _ = fmt.Fprintf(w, "%s nodes, %s messages delivered, %s dropped, %s refused by busy workers\n",
		humanize.Comma(int64(len(s.nodes))),
		humanize.Comma(int64(stats.Delivered)),
		humanize.Comma(int64(stats.Dropped)),
		humanize.Comma(int64(stats.Overloaded)),
	)
}

// WriteLookups renders lookup results followed by a summary line.
func WriteLookups(w io.Writer, results []LookupResult) {
	t := table.NewWriter()

	t.AppendHeader(table.Row{"from", "via", "target", "answers", "duration", "status"})

	for _, r := range results {
		status := color.GreenString("ok")
		if r.Err != nil {
			status = color.RedString(r.Err.Error())
		}

		t.AppendRow(table.Row{r.From.Short(), r.Via.Short(), r.Target.Short(), len(r.Answers), r.Duration.Round(time.Microsecond), status})
	}

	_, _ = io.WriteString(w, t.Render())
	_, _ = fmt.Fprintln(w)

	ok := lo.Filter(results, func(r LookupResult, _ int) bool { return r.Err == nil })

	var avg time.Duration
	if len(ok) != 0 {
		avg = lo.SumBy(ok, func(r LookupResult) time.Duration { return r.Duration }) / time.Duration(len(ok))
	}

	answers := lo.SumBy(ok, func(r LookupResult) int { return len(r.Answers) })

	_, _ = fmt.Fprintf(w, "%s/%s lookups succeeded, %s answers, average %s\n",
		humanize.Comma(int64(len(ok))),
		humanize.Comma(int64(len(results))),
		humanize.Comma(int64(answers)),
		avg.Round(time.Microsecond),
	)
}
