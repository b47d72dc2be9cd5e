package console

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Run drives driver from an interactive terminal until the user quits.
func Run(ctx context.Context, driver Driver) error {
	model := newModel(ctx, driver)
	program := tea.NewProgram(model, tea.WithContext(ctx), tea.WithMouseCellMotion())
	_, err := program.Run()
	if err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(renderGoodbyeBanner(model.sent, model.received))
	return nil
}

func renderGoodbyeBanner(sent, received int) string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("24")).
		Padding(1, 2)

	return style.Render(fmt.Sprintf("popupbridge console closed · %d sent · %d received", sent, received))
}
