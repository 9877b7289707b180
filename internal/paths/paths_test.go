package paths

import (
	"path/filepath"
	"strings"
	"testing"
)

// ///////////////////////////////////////////////
// Constant Value Tests
// ///////////////////////////////////////////////

func TestConstantValues(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"DataDirRel", DataDirRel, ".ps4cord"},
		{"PIDFile", PIDFile, "daemon.pid"},
		{"ConfigFile", ConfigFile, "config.toml"},
		{"CatalogFile", CatalogFile, "catalog.json"},
		{"LogFile", LogFile, "daemon.log"},
		{"BinaryName", BinaryName, "ps4cord"},
		{"SandboxDir", SandboxDir, "/mnt/sandbox"},
		{"VerifyDir", VerifyDir, "/mnt/sandbox/NPXS20001_000"},
		{"SystemPrefix", SystemPrefix, "NPXS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestVerifyDirInsideSandbox(t *testing.T) {
	if !strings.HasPrefix(VerifyDir, SandboxDir+"/") {
		t.Errorf("VerifyDir %q is not under SandboxDir %q", VerifyDir, SandboxDir)
	}
	base := VerifyDir[len(SandboxDir)+1:]
	if !strings.HasPrefix(base, SystemPrefix) {
		t.Errorf("VerifyDir base %q should carry the system prefix %q", base, SystemPrefix)
	}
}

// ///////////////////////////////////////////////
// DataDir Method Tests
// ///////////////////////////////////////////////

func TestDataDirMethods(t *testing.T) {
	root := filepath.Join("home", "user", ".ps4cord")
	d := DataDir{Root: root}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"PID", d.PID(), filepath.Join(root, "daemon.pid")},
		{"Config", d.Config(), filepath.Join(root, "config.toml")},
		{"Catalog", d.Catalog(), filepath.Join(root, "catalog.json")},
		{"Log", d.Log(), filepath.Join(root, "daemon.log")},
		{"Control", d.Control(false), filepath.Join(root, "ps4cord.sock")},
		{"ControlWindows", d.Control(true), PipeName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s() = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestDataDirEmptyRoot(t *testing.T) {
	d := DataDir{Root: ""}
	if got := d.Config(); got != ConfigFile {
		t.Errorf("Config() = %q, want %q", got, ConfigFile)
	}
	if got := d.Catalog(); got != CatalogFile {
		t.Errorf("Catalog() = %q, want %q", got, CatalogFile)
	}
}
