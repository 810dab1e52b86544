// Command afk-tui is the Status TUI: a thin Bubble Tea shell over the
// session supervisor's Live Status Server.
package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/afk-relay/afk-supervisor/internal/config"
	"github.com/afk-relay/afk-supervisor/internal/tuiapp"
	"github.com/afk-relay/afk-supervisor/internal/tuiclient"
	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	wsURL := flag.String("url", "ws://127.0.0.1:8765/ws", "WebSocket URL of the afk Live Status Server")
	configPath := flag.String("config", "", "path to config file (defaults to ~/.config/afk-supervisor/config.yaml)")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "afk-tui: loading config: %v\n", err)
		os.Exit(1)
	}

	httpBase := deriveHTTPBase(*wsURL)
	ws := tuiclient.NewWSClient(*wsURL)
	http := tuiclient.NewHTTPClient(httpBase)

	m := tuiapp.New(ws, http, cfg)
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "afk-tui: %v\n", err)
		os.Exit(1)
	}
}

// deriveHTTPBase converts ws://host:port/ws -> http://host:port
func deriveHTTPBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "http://127.0.0.1:8765"
	}
	scheme := "http"
	if strings.HasPrefix(u.Scheme, "wss") {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host)
}
