// Package sugar carries small Bubble Tea conveniences shared by the CLI
// front ends.
package sugar

import (
	tea "github.com/charmbracelet/bubbletea"
)

// ErrorModel is a tea.Model whose final state may hold an error to be
// reported after the program exits.
type ErrorModel interface {
	tea.Model
	GetError() error
}

// RunProgramWithErrors runs the model and surfaces the error its final
// state carries. A runtime error from Bubble Tea itself wins over the
// model's own error.
func RunProgramWithErrors(model ErrorModel, opts ...tea.ProgramOption) (tea.Model, error) {
	result, teaErr := tea.NewProgram(model, opts...).Run()
	if teaErr != nil {
		return result, teaErr
	}
	if errorModel, ok := result.(ErrorModel); ok {
		return result, errorModel.GetError()
	}
	return result, nil
}
