package internal

import (
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

func (model *WatcherModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := message.(type) {
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc", "q":
			model.closeConn()
			return model, tea.Quit
		}
		var cmd tea.Cmd
		model.table, cmd = model.table.Update(typed)
		return model, cmd

	case tea.WindowSizeMsg:
		// title, status, hints and borders take roughly ten lines
		if height := typed.Height - 10; height > 3 {
			model.table.SetHeight(height)
		}
		return model, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		model.spinner, cmd = model.spinner.Update(typed)
		return model, cmd

	case loggedInMsg:
		model.token = typed.token
		model.username = typed.username
		return model, model.connectCmd()

	case loginFailedMsg:
		// fall back to watching anonymously
		model.lastErr = typed.err
		return model, model.connectCmd()

	case connectedMsg:
		model.conn = typed.conn
		model.connected = true
		model.attempts = 0
		model.lastErr = nil
		return model, readOnceCmd(typed.conn)

	case connectFailedMsg:
		model.attempts++
		model.lastErr = typed.err
		return model, model.scheduleReconnect()

	case frameMsg:
		model.applyFrame(Frame(typed))
		return model, readOnceCmd(model.conn)

	case readErrorMsg:
		model.closeConn()
		model.attempts++
		model.lastErr = typed.err
		return model, tea.Batch(model.spinner.Tick, model.scheduleReconnect())

	case reconnectMsg:
		return model, model.connectCmd()
	}
	return model, nil
}

func (model *WatcherModel) closeConn() {
	model.connected = false
	if model.conn == nil {
		return
	}
	_ = model.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = model.conn.Close()
	model.conn = nil
}
