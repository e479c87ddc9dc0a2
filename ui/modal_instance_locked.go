package ui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
)

// InstanceLockedModal is shown when another bookchat process owns the data
// directory. The user can exit or remove the lock and continue.
type InstanceLockedModal struct {
	runningPID  int
	dataDir     string
	width       int
	height      int
	forceDelete bool
}

func NewInstanceLockedModal(runningPID int, dataDir string) InstanceLockedModal {
	return InstanceLockedModal{
		runningPID: runningPID,
		dataDir:    dataDir,
	}
}

func (m InstanceLockedModal) Init() tea.Cmd {
	return nil
}

func (m InstanceLockedModal) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "enter", "esc", "ctrl+c":
			return m, tea.Quit
		case "d", "D":
			m.forceDelete = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// ForceDelete reports whether the user chose to remove the lock file.
func (m InstanceLockedModal) ForceDelete() bool {
	return m.forceDelete
}

func (m InstanceLockedModal) View() string {
	if m.width < 20 || m.height < 10 {
		return "Terminal too small"
	}

	message := fmt.Sprintf(
		"Another bookchat client is already using\n%s\n(PID %d).\n\n"+
			"Two clients sharing a data directory would talk to the\n"+
			"agent through the same session.\n\n"+
			"Close the other client, or set BOOKCHAT_DATA_DIR to use\n"+
			"a separate directory.\n\n"+
			"If the other client is gone, press D to remove the lock.",
		m.dataDir, m.runningPID)

	return RenderAcknowledgeModal("bookchat Already Running", message,
		FormatFooter("Enter", "Exit", "D", "Remove lock"), ModalTypeError, m.width, m.height)
}
