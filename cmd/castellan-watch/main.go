package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/castellan/internal/tui/watch"
)

func main() {
	apiURL := flag.String("api", "http://127.0.0.1:7601", "Base URL of the castellan admin API")
	token := flag.String("token", os.Getenv("CASTELLAN_API_TOKEN"), "Admin API token (defaults to CASTELLAN_API_TOKEN)")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "An API token is required. Pass --token or set CASTELLAN_API_TOKEN.")
		os.Exit(1)
	}

	p := tea.NewProgram(watch.New(*apiURL, *token))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch failed: %v\n", err)
		os.Exit(1)
	}
}
