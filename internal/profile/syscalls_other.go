//go:build !linux

package profile

// Syscall filters only exist on linux, where the platform refuses to run
// anyway.
func validateSyscalls([]string) error {
	return nil
}
