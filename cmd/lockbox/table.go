package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// column describes one table column; numeric columns are right aligned.
type column struct {
	title   string
	numeric bool
}

// activeMarker flags the row of the stage the lockbox currently holds.
const activeMarker = "*"

// renderTable draws rows under cols with the rounded style. Rows are padded
// or truncated to the column count. With colorize set, rows whose last cell
// is activeMarker are highlighted.
func renderTable(cols []column, rows [][]string, colorize bool) string {
	if len(cols) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(cols))
	configs := make([]table.ColumnConfig, len(cols))
	for i, c := range cols {
		header[i] = c.title
		align := text.AlignLeft
		if c.numeric {
			align = text.AlignRight
		}
		configs[i] = table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)

	for _, cells := range rows {
		row := make(table.Row, len(cols))
		for i := range row {
			row[i] = ""
			if i < len(cells) {
				row[i] = cells[i]
			}
		}
		tw.AppendRow(row)
	}

	if colorize {
		tw.SetRowPainter(table.RowPainter(func(row table.Row) text.Colors {
			if len(row) > 0 && row[len(row)-1] == activeMarker {
				return text.Colors{text.FgGreen, text.Bold}
			}
			return nil
		}))
	}
	return tw.Render()
}
