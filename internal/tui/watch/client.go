package watch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/castellan/internal/api"
)

// --- Message types ---

type statusMsg api.StatusResponse

type pluginsMsg api.PluginsResponse

type sessionsMsg api.SessionsResponse

type tickMsg time.Time

type errMsg error

// --- Commands ---

func getJSON(apiURL, token, path string, out any) error {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodGet, apiURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// fetchStatus queries /v1/status.
func fetchStatus(apiURL, token string) tea.Cmd {
	return func() tea.Msg {
		var s api.StatusResponse
		if err := getJSON(apiURL, token, "/v1/status", &s); err != nil {
			return errMsg(err)
		}
		return statusMsg(s)
	}
}

// fetchPlugins queries /v1/plugins.
func fetchPlugins(apiURL, token string) tea.Cmd {
	return func() tea.Msg {
		var p api.PluginsResponse
		if err := getJSON(apiURL, token, "/v1/plugins", &p); err != nil {
			return errMsg(err)
		}
		return pluginsMsg(p)
	}
}

// fetchSessions queries /v1/sessions.
func fetchSessions(apiURL, token string) tea.Cmd {
	return func() tea.Msg {
		var s api.SessionsResponse
		if err := getJSON(apiURL, token, "/v1/sessions", &s); err != nil {
			return errMsg(err)
		}
		return sessionsMsg(s)
	}
}
