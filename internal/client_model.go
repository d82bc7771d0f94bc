package internal

import (
	"sort"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"statusboard/internal/presence"
)

// WatcherModel is the Bubble Tea state for the terminal observer: the live
// user table plus connection bookkeeping.
type WatcherModel struct {
	serverURL  string
	username   string
	token      string
	conn       *websocket.Conn
	users      map[int64]presence.Event
	table      table.Model
	spinner    spinner.Model
	connected  bool
	attempts   int
	lastErr    error
	lastChange string
}

func NewWatcherModel(serverURL, username string) *WatcherModel {
	columns := []table.Column{
		{Title: "User", Width: 20},
		{Title: "Status", Width: 10},
		{Title: "Last online", Width: 20},
	}
	tbl := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.BorderStyle(tableBorder).BorderBottom(true).Bold(true)
	styles.Selected = styles.Selected.Foreground(selectedColor).Bold(true)
	tbl.SetStyles(styles)

	return &WatcherModel{
		serverURL: serverURL,
		username:  username,
		users:     make(map[int64]presence.Event),
		table:     tbl,
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(spinnerStyle)),
	}
}

func (model *WatcherModel) Init() tea.Cmd {
	if model.username != "" {
		return tea.Batch(model.spinner.Tick, model.loginCmd())
	}
	return tea.Batch(model.spinner.Tick, model.connectCmd())
}

// applyFrame folds a server frame into the user map and refreshes the table.
func (model *WatcherModel) applyFrame(frame Frame) {
	switch frame.Type {
	case frameSnapshot:
		model.users = make(map[int64]presence.Event, len(frame.Users))
		for _, ev := range frame.Users {
			model.users[ev.UserID] = ev
		}
	case framePresence:
		if frame.Event == nil {
			return
		}
		ev := *frame.Event
		if ev.Kind == presence.KindRemoved {
			delete(model.users, ev.UserID)
			model.lastChange = ev.Username + " was removed"
		} else {
			model.users[ev.UserID] = ev
			model.lastChange = ev.Username + " is " + string(ev.Status)
		}
	default:
		return
	}
	model.table.SetRows(model.rows())
}

func (model *WatcherModel) rows() []table.Row {
	users := make([]presence.Event, 0, len(model.users))
	for _, ev := range model.users {
		users = append(users, ev)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	rows := make([]table.Row, 0, len(users))
	for _, ev := range users {
		lastOnline := "never"
		if ev.LastOnlineAt != nil {
			lastOnline = ev.LastOnlineAt.Local().Format("Jan 2 15:04:05")
		}
		rows = append(rows, table.Row{ev.Username, presenceLabel(ev.Status), lastOnline})
	}
	return rows
}

func (model *WatcherModel) onlineCount() int {
	count := 0
	for _, ev := range model.users {
		if ev.Status == presence.Online {
			count++
		}
	}
	return count
}

func presenceLabel(status presence.Status) string {
	if status == presence.Online {
		return "● online"
	}
	return "○ offline"
}
