package tui

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/taskpool/internal/events"
	"github.com/mattjoyce/taskpool/internal/pool"
)

// --- Message types ---

type eventMsg events.Message

type statsMsg pool.Stats

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ConfigStale   bool   `json:"config_stale"`
}

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// client talks to a fibpool API server.
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c client) get(path string, timeout time.Duration) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	hc := c.http
	if timeout > 0 {
		copied := *hc
		copied.Timeout = timeout
		hc = &copied
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return resp, nil
}

// --- Commands ---

func (c client) fetchStats() tea.Msg {
	resp, err := c.get("/stats", 2*time.Second)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var st pool.Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return errMsg(err)
	}
	return statsMsg(st)
}

func (c client) fetchHealth() tea.Msg {
	resp, err := c.get("/healthz", 2*time.Second)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}

// subscribeToEvents reads the /events stream into ch until the connection
// drops, then reports sseDisconnectedMsg.
func (c client) subscribeToEvents(ch chan<- events.Message) tea.Cmd {
	return func() tea.Msg {
		resp, err := c.get("/events", 0)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()

		var current events.Message
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if len(current.Data) > 0 {
					if current.At.IsZero() {
						current.At = time.Now()
					}
					ch <- current
				}
				current = events.Message{}
			case strings.HasPrefix(line, "id: "):
				if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
					current.ID = id
				}
			case strings.HasPrefix(line, "event: "):
				current.Type = line[7:]
			case strings.HasPrefix(line, "data: "):
				current.Data = json.RawMessage(line[6:])
				var ev pool.Event
				if json.Unmarshal(current.Data, &ev) == nil && !ev.At.IsZero() {
					current.At = ev.At
				}
			}
		}
		return sseDisconnectedMsg{}
	}
}

func receiveNextEvent(ch <-chan events.Message) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}
