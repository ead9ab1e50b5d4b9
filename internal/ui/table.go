package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"p2pcall/internal/app/rooms"
)

// RoomTableView renders live rooms as a table. now anchors the age column.
func RoomTableView(list []rooms.Stats, now time.Time) string {
	if len(list) == 0 {
		return MutedStyle.Render("No live rooms")
	}

	rows := make([][]string, 0, len(list))
	for i, r := range list {
		age := now.Sub(r.CreatedAt).Truncate(time.Second)
		if age < 0 {
			age = 0
		}
		rows = append(rows, []string{fmt.Sprintf("%d", i+1), r.ID, fmt.Sprintf("%d", r.Size), age.String()})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("#", "Room", "Participants", "Age").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

func RenderRoomTable(list []rooms.Stats) {
	fmt.Fprintln(Out, RoomTableView(list, time.Now()))
}
