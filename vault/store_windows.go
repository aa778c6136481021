//go:build windows

package vault

// Windows reports cross-volume renames with a different error shape;
// the generic vault_error path handles them.
func isCrossDevice(err error) bool {
	return false
}
