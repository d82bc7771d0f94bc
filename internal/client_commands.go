package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

type (
	loggedInMsg struct {
		token    string
		userID   int64
		username string
	}
	loginFailedMsg   struct{ err error }
	connectedMsg     struct{ conn *websocket.Conn }
	connectFailedMsg struct{ err error }
	frameMsg         Frame
	readErrorMsg     struct{ err error }
	reconnectMsg     struct{}
)

const (
	minRetryDelay = time.Second
	maxRetryDelay = 30 * time.Second
)

// retryDelay doubles per failed attempt up to maxRetryDelay.
func retryDelay(attempts int) time.Duration {
	delay := minRetryDelay
	for i := 1; i < attempts && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func (model *WatcherModel) scheduleReconnect() tea.Cmd {
	return tea.Tick(retryDelay(model.attempts), func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

func (model *WatcherModel) loginCmd() tea.Cmd {
	serverURL, username := model.serverURL, model.username
	return func() tea.Msg {
		baseURL, err := httpBaseFromWSURL(serverURL)
		if err != nil {
			return loginFailedMsg{err: err}
		}
		resp, err := apiLogin(baseURL, username)
		if err != nil {
			return loginFailedMsg{err: err}
		}
		return loggedInMsg{token: resp.Token, userID: resp.UserID, username: resp.Username}
	}
}

func (model *WatcherModel) connectCmd() tea.Cmd {
	serverURL, token := model.serverURL, model.token
	return func() tea.Msg {
		header := http.Header{}
		header.Set("User-Agent", userAgent)
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		conn, _, err := websocket.DefaultDialer.Dial(serverURL, header)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

func readOnceCmd(conn *websocket.Conn) tea.Cmd {
	return func() tea.Msg {
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return readErrorMsg{err: err}
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var frame Frame
			if err := json.Unmarshal(payload, &frame); err != nil {
				return readErrorMsg{err: fmt.Errorf("decode frame: %w", err)}
			}
			return frameMsg(frame)
		}
	}
}

// RunClient starts the watcher TUI against serverURL. A non-empty username
// logs in first so the watcher itself counts as that user's connection.
func RunClient(serverURL, username string) error {
	program := tea.NewProgram(NewWatcherModel(serverURL, username))
	_, err := program.Run()
	return err
}
