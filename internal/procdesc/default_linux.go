//go:build linux

package procdesc

// Default returns the process descriptor backend for this platform.
func Default() Spawner {
	return PidfdSpawner{}
}
