// Package migrate applies sequential schema migrations to on-disk documents
// (config.toml, catalog.json), upgrading from one version to the next.
package migrate

import (
	"fmt"
	"log/slog"
	"slices"
)

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Migration upgrades a document from the previous schema version to Version.
type Migration struct {
	// Version is the schema version this migration produces.
	Version int
	// Description is a short label for log output.
	Description string
	// Upgrade transforms data from the prior version to [Migration.Version].
	Upgrade func(data []byte) ([]byte, error)
}

// ///////////////////////////////////////////////
// Public API
// ///////////////////////////////////////////////

// Run applies every migration whose Version is above fromVersion, lowest
// first. It returns the transformed data and the last version reached; on
// error the version is the last one that succeeded.
func Run(data []byte, fromVersion int, migrations []Migration) ([]byte, int, error) {
	ordered := slices.Clone(migrations)
	slices.SortFunc(ordered, func(a, b Migration) int { return a.Version - b.Version })

	version := fromVersion
	for _, m := range ordered {
		if m.Version <= version {
			continue
		}
		slog.Info("applying migration", "version", m.Version, "description", m.Description)
		out, err := m.Upgrade(data)
		if err != nil {
			return nil, version, fmt.Errorf("migration to v%d failed: %w", m.Version, err)
		}
		data, version = out, m.Version
	}
	return data, version, nil
}

// NeedsMigration reports whether a document at fileVersion is behind
// currentVersion or has a registered migration above it. force reports true
// whenever any migration exists.
func NeedsMigration(fileVersion, currentVersion int, force bool, migrations []Migration) bool {
	if fileVersion != currentVersion {
		return true
	}
	if force && len(migrations) > 0 {
		return true
	}
	return slices.ContainsFunc(migrations, func(m Migration) bool { return fileVersion < m.Version })
}
