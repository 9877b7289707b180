package migrate

import (
	"encoding/json"
	"fmt"
)

// Registry holds the schema version and migrations for one document type.
// Config and catalog each get their own instance so their version numbers
// move independently.
type Registry struct {
	// Name labels the document in errors and logs.
	Name string
	// CurrentVersion is the schema version this build writes.
	CurrentVersion int
	// Migrations is the list of versioned upgrades. Exported so tests can
	// swap it out.
	Migrations []Migration
	// Dev holds transforms applied without advancing the version.
	Dev []Migration
}

// Register adds a migration. It panics on a duplicate version.
func (r *Registry) Register(m Migration) {
	for _, existing := range r.Migrations {
		if existing.Version == m.Version {
			panic(fmt.Sprintf("migrate: %s: duplicate migration version %d (description: %q)", r.Name, m.Version, m.Description))
		}
	}
	r.Migrations = append(r.Migrations, m)
}

// RegisterDev adds a dev transform. It panics on a duplicate description.
func (r *Registry) RegisterDev(m Migration) {
	for _, existing := range r.Dev {
		if existing.Description == m.Description {
			panic(fmt.Sprintf("migrate: %s: duplicate dev transform %q", r.Name, m.Description))
		}
	}
	r.Dev = append(r.Dev, m)
}

// NeedsMigration reports whether a document at fileVersion would be upgraded.
func (r *Registry) NeedsMigration(fileVersion int, force bool) bool {
	return NeedsMigration(fileVersion, r.CurrentVersion, force, r.Migrations)
}

// Run applies registered migrations above fromVersion.
func (r *Registry) Run(data []byte, fromVersion int) ([]byte, int, error) {
	out, v, err := Run(data, fromVersion, r.Migrations)
	if err != nil {
		return nil, v, fmt.Errorf("%s: %w", r.Name, err)
	}
	return out, v, nil
}

// RunDev applies dev transforms in order. The version is left unchanged.
func (r *Registry) RunDev(data []byte) ([]byte, error) {
	for _, m := range r.Dev {
		var err error
		data, err = m.Upgrade(data)
		if err != nil {
			return nil, fmt.Errorf("%s: dev transform %q: %w", r.Name, m.Description, err)
		}
	}
	return data, nil
}

// HasDev reports whether any dev transforms are registered.
func (r *Registry) HasDev() bool {
	return len(r.Dev) > 0
}

// Config is the migration registry for config.toml.
var Config = &Registry{Name: "config", CurrentVersion: 1}

// Catalog is the migration registry for catalog.json.
var Catalog = &Registry{Name: "catalog", CurrentVersion: 1}

// ///////////////////////////////////////////////
// Catalog Migrations
// ///////////////////////////////////////////////

// legacyGame is one entry of the unversioned catalog: a bare JSON array of
// {TitleId, Name, ImageUrl} objects as kept by earlier releases.
type legacyGame struct {
	TitleID  string `json:"TitleId"`
	Name     string `json:"Name"`
	ImageURL string `json:"ImageUrl"`
}

// upgradeLegacyCatalog wraps a bare array of legacy entries into the
// versioned {"$version":1,"games":[...]} document. Entries whose name is
// just the title id were lookup failures and are marked fallback so they get
// re-resolved; the rest are kept as resolved.
func upgradeLegacyCatalog(data []byte) ([]byte, error) {
	var legacy []legacyGame
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("parse legacy catalog: %w", err)
	}
	type game struct {
		TitleID string `json:"title_id"`
		Name    string `json:"name"`
		Image   string `json:"image"`
		Source  string `json:"source"`
	}
	doc := struct {
		Version int    `json:"$version"`
		Games   []game `json:"games"`
	}{Version: 1, Games: make([]game, 0, len(legacy))}
	for _, g := range legacy {
		if g.TitleID == "" {
			continue
		}
		source := "resolved"
		if g.Name == "" || g.Name == g.TitleID {
			source = "fallback"
		}
		doc.Games = append(doc.Games, game{TitleID: g.TitleID, Name: g.Name, Image: g.ImageURL, Source: source})
	}
	return json.Marshal(doc)
}

func init() {
	Catalog.Register(Migration{
		Version:     1,
		Description: "wrap legacy game list",
		Upgrade:     upgradeLegacyCatalog,
	})
}
