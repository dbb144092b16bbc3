package clipboard

import osclipboard "github.com/atotto/clipboard"

// System is a Clipboard backed by the host OS clipboard.
type System struct{}

// NewSystem builds a Clipboard backed by the host OS clipboard.
func NewSystem() *System {
	return &System{}
}

// Get returns the current OS clipboard content.
func (System) Get() (string, error) {
	return osclipboard.ReadAll()
}

// Set replaces the OS clipboard content.
func (System) Set(content string) error {
	return osclipboard.WriteAll(content)
}
