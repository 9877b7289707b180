// Package paths centralizes file and directory names used across the project.
// All data directory file names are defined here as the single source of truth.
package paths

import "path/filepath"

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Data directory file names.
const (
	PIDFile     = "daemon.pid"
	ConfigFile  = "config.toml"
	CatalogFile = "catalog.json"
	LogFile     = "daemon.log"
	ControlFile = "ps4cord.sock"
)

// Process-level names.
const (
	BinaryName = "ps4cord"
	DataDirRel = ".ps4cord" // relative to $HOME
	PipeName   = `\\.\pipe\ps4cord`
)

// Console-side paths served by the PS4 FTP payload.
const (
	SandboxDir   = "/mnt/sandbox"
	VerifyDir    = "/mnt/sandbox/NPXS20001_000"
	SystemPrefix = "NPXS"
)

// ///////////////////////////////////////////////
// DataDir
// ///////////////////////////////////////////////

// DataDir provides path construction methods rooted at a data directory.
type DataDir struct {
	Root string
}

// PID returns the full path to the PID file.
func (d DataDir) PID() string { return filepath.Join(d.Root, PIDFile) }

// Config returns the full path to the config file.
func (d DataDir) Config() string { return filepath.Join(d.Root, ConfigFile) }

// Catalog returns the full path to the game catalog file.
func (d DataDir) Catalog() string { return filepath.Join(d.Root, CatalogFile) }

// Log returns the full path to the log file.
func (d DataDir) Log() string { return filepath.Join(d.Root, LogFile) }

// Control returns the control socket address. On Windows this is a named
// pipe shared by every data directory; elsewhere it is a Unix socket file.
func (d DataDir) Control(windows bool) string {
	if windows {
		return PipeName
	}
	return filepath.Join(d.Root, ControlFile)
}
