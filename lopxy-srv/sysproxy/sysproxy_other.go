//go:build !windows && !darwin

package sysproxy

// New returns the platform manager. Only Windows and macOS are implemented.
func New() Manager {
	return unsupported{}
}
