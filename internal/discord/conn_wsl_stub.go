//go:build !linux && !windows

package discord

func isWSL() bool             { return false }
func wslSocketDirs() []string { return nil }
