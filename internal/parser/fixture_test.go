package parser

import (
	"fmt"
	"strings"
	"time"

	"iex-marketdata/internal/market"
)

// reportPage renders a synthetic report shaped like the exchange's HTML:
// two header rows, then one row per settlement period with the row-dependent
// label columns. mutate may rewrite a data row's cells.
func reportPage(m market.Market, day time.Time, periods int, mutate func(row int, cells []string) []string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	b.WriteString(`<table cols="4"><tr><td>nav</td></tr></table>`)
	fmt.Fprintf(&b, `<table cols="%d">`, m.Columns())
	b.WriteString("<tr><th>Date</th><th>Hour</th><th>Time Block</th></tr>")
	b.WriteString("<tr><th>A1</th><th>A2</th><th>MCP</th></tr>")

	for p := 0; p < periods; p++ {
		row := market.FirstDataRow + p
		cells := periodCells(m, day, row, p)
		if mutate != nil {
			cells = mutate(row, cells)
		}
		b.WriteString("<tr>")
		for _, c := range cells {
			fmt.Fprintf(&b, "<td>%s</td>", c)
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</table></body></html>")
	return b.String()
}

func periodCells(m market.Market, day time.Time, row, period int) []string {
	layout := m.Layout(row)
	cells := []string{"&nbsp;"}
	for col := 1; col <= layout.Offset; col++ {
		switch {
		case col == layout.SessionColumn:
			cells = append(cells, sessionLabel(period))
		case row == market.FirstDataRow && col == 1:
			cells = append(cells, day.Format("02-01-2006"))
		default:
			cells = append(cells, fmt.Sprintf("%d", period/market.PeriodsPerHour+1))
		}
	}

	start := time.Duration(period) * 15 * time.Minute
	end := start + 15*time.Minute
	cells = append(cells, fmt.Sprintf("%02d:%02d - %02d:%02d",
		int(start.Hours()), int(start.Minutes())%60, int(end.Hours()), int(end.Minutes())%60))

	for i := 0; i < market.ZoneCount+1; i++ {
		cells = append(cells, priceText(period, i))
	}
	return cells
}

func sessionLabel(period int) string {
	return fmt.Sprintf("%d", period/2+1)
}

func priceText(period, column int) string {
	return fmt.Sprintf("%d.%02d", 2000+period, column)
}
