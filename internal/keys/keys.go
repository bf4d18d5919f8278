// Package keys contains keybinding definitions for the dashboard TUI.
package keys

import "github.com/charmbracelet/bubbles/key"

// Dashboard contains keybindings for the subscriber dashboard.
var Dashboard = struct {
	Quit          key.Binding
	TriggerResume key.Binding
	Help          key.Binding
}{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c", "esc"),
		key.WithHelp("q", "quit"),
	),
	TriggerResume: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "trigger resume"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "toggle help"),
	),
}

// ShortHelp returns keybindings for the dashboard's short help view.
func ShortHelp() []key.Binding {
	return []key.Binding{Dashboard.TriggerResume, Dashboard.Quit}
}

// FullHelp returns keybindings for the dashboard's full help view.
func FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{Dashboard.TriggerResume},
		{Dashboard.Help, Dashboard.Quit},
	}
}
