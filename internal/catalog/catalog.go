// Package catalog keeps the title-id to display-metadata cache.
//
// The catalog is owned by the engine and persisted to catalog.json after
// every insert or edit. Records created by a manual edit are never replaced
// by automatic resolution.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"tools.zach/dev/ps4cord/internal/atomicfile"
	"tools.zach/dev/ps4cord/internal/migrate"
)

// ErrUnknownTitle is returned when a title id has no catalog record.
var ErrUnknownTitle = errors.New("unknown title")

// ErrInvalidTitleID is returned when an id is neither a console title id
// nor the home sentinel.
var ErrInvalidTitleID = errors.New("invalid title id")

// ///////////////////////////////////////////////
// Title IDs
// ///////////////////////////////////////////////

// HomeTitleID is the sentinel id reported while the console sits on its
// home screen.
const HomeTitleID = "main_menu"

// titlePattern matches a console title id such as CUSA01234.
var titlePattern = regexp.MustCompile(`[A-Z0-9]{4}[0-9]{5}`)

var titleExact = regexp.MustCompile(`^[A-Z0-9]{4}[0-9]{5}$`)

// FindTitleID returns the first title id embedded in s, or "".
func FindTitleID(s string) string {
	return titlePattern.FindString(s)
}

// ValidTitleID reports whether id is a title id or the home sentinel.
func ValidTitleID(id string) bool {
	return id == HomeTitleID || titleExact.MatchString(id)
}

// ///////////////////////////////////////////////
// Records
// ///////////////////////////////////////////////

// Source records how a GameRecord was produced.
type Source string

const (
	// SourceResolved came from the metadata service.
	SourceResolved Source = "resolved"
	// SourceFallback was synthesized from the title id after a failed lookup.
	SourceFallback Source = "fallback"
	// SourceManual was entered by the user and is never overwritten.
	SourceManual Source = "manual"
	// SourceBuiltin is the home sentinel.
	SourceBuiltin Source = "builtin"
)

// GameRecord is the display metadata for one title.
type GameRecord struct {
	TitleID   string    `json:"title_id"`
	Name      string    `json:"name"`
	Image     string    `json:"image"`
	Source    Source    `json:"source"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Home returns the built-in record for the console home screen.
func Home() GameRecord {
	return GameRecord{
		TitleID: HomeTitleID,
		Name:    "PS4 Home Menu",
		Image:   HomeTitleID,
		Source:  SourceBuiltin,
	}
}

// Fallback returns the synthetic record used when a title cannot be
// resolved: the id as the name and the lowercased id as the image key.
func Fallback(titleID string, now time.Time) GameRecord {
	return GameRecord{
		TitleID:   titleID,
		Name:      titleID,
		Image:     strings.ToLower(titleID),
		Source:    SourceFallback,
		UpdatedAt: now,
	}
}

// NeedsRefresh reports whether a cached fallback record is old enough to be
// looked up again. A zero retry interval disables re-resolution.
func NeedsRefresh(rec GameRecord, now time.Time, retry time.Duration) bool {
	if rec.Source != SourceFallback || retry <= 0 {
		return false
	}
	return now.Sub(rec.UpdatedAt) >= retry
}

// ///////////////////////////////////////////////
// Catalog
// ///////////////////////////////////////////////

// document is the on-disk shape of catalog.json.
type document struct {
	Version int          `json:"$version"`
	Games   []GameRecord `json:"games"`
}

// Catalog maps title ids to records. It is safe for concurrent use, though
// the engine only mutates it from one goroutine.
type Catalog struct {
	mu    sync.Mutex
	path  string
	games map[string]GameRecord
	now   func() time.Time
}

// New returns an empty catalog persisted to path. An empty path keeps the
// catalog in memory only.
func New(path string) *Catalog {
	return &Catalog{
		path:  path,
		games: make(map[string]GameRecord),
		now:   time.Now,
	}
}

// Open loads the catalog at path. A missing file yields an empty catalog.
// A file that cannot be parsed or migrated is moved aside to path.bak and
// an empty catalog is returned so a damaged cache never blocks startup.
func Open(path string) (*Catalog, error) {
	c := New(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	games, migrated, err := decode(data)
	if err != nil {
		slog.Warn("catalog unreadable, starting empty", "path", path, "error", err)
		if renameErr := os.Rename(path, path+".bak"); renameErr != nil {
			slog.Warn("failed to back up catalog", "error", renameErr)
		}
		return c, nil
	}

	for _, g := range games {
		if !ValidTitleID(g.TitleID) {
			slog.Warn("dropping catalog entry with invalid id", "title_id", g.TitleID)
			continue
		}
		c.games[g.TitleID] = g
	}

	if migrated {
		if err := c.save(); err != nil {
			slog.Warn("failed to save migrated catalog", "error", err)
		}
	}
	slog.Debug("catalog loaded", "path", path, "entries", len(c.games))
	return c, nil
}

// decode parses raw catalog bytes, upgrading older layouts. A bare JSON
// array is the unversioned legacy layout.
func decode(data []byte) ([]GameRecord, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false, nil
	}

	version := 0
	if trimmed[0] == '{' {
		var head struct {
			Version int `json:"$version"`
		}
		if err := json.Unmarshal(trimmed, &head); err != nil {
			return nil, false, fmt.Errorf("parse catalog header: %w", err)
		}
		version = head.Version
	}

	migrated := false
	if migrate.Catalog.NeedsMigration(version, false) {
		if version > migrate.Catalog.CurrentVersion {
			return nil, false, fmt.Errorf("catalog version %d is newer than supported %d", version, migrate.Catalog.CurrentVersion)
		}
		var err error
		trimmed, _, err = migrate.Catalog.Run(trimmed, version)
		if err != nil {
			return nil, false, err
		}
		migrated = true
	}
	if migrate.Catalog.HasDev() {
		var err error
		if trimmed, err = migrate.Catalog.RunDev(trimmed); err != nil {
			return nil, false, err
		}
		migrated = true
	}

	var doc document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, false, fmt.Errorf("parse catalog: %w", err)
	}
	return doc.Games, migrated, nil
}

// Path returns the file the catalog persists to.
func (c *Catalog) Path() string { return c.path }

// Len returns the number of records.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.games)
}

// Lookup returns the record for titleID. The home sentinel resolves to the
// built-in record unless the user has edited it.
func (c *Catalog) Lookup(titleID string) (GameRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.games[titleID]; ok {
		return rec, true
	}
	if titleID == HomeTitleID {
		return Home(), true
	}
	return GameRecord{}, false
}

// Get is Lookup returning [ErrUnknownTitle] for a miss.
func (c *Catalog) Get(titleID string) (GameRecord, error) {
	rec, ok := c.Lookup(titleID)
	if !ok {
		return GameRecord{}, fmt.Errorf("%w: %s", ErrUnknownTitle, titleID)
	}
	return rec, nil
}

// Store records an automatically produced record and returns the record
// now in effect. A manual record is never replaced, a resolved record is
// never downgraded to a fallback, and storing an identical record again
// does not touch the file.
func (c *Catalog) Store(rec GameRecord) (GameRecord, error) {
	if !ValidTitleID(rec.TitleID) {
		return GameRecord{}, fmt.Errorf("%w: %q", ErrInvalidTitleID, rec.TitleID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.games[rec.TitleID]; ok {
		switch {
		case existing.Source == SourceManual:
			return existing, nil
		case existing.Source == SourceResolved && rec.Source == SourceFallback:
			return existing, nil
		case sameDisplay(existing, rec) && existing.Source == rec.Source && rec.Source != SourceFallback:
			return existing, nil
		}
	}

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = c.now()
	}
	c.games[rec.TitleID] = rec
	if err := c.save(); err != nil {
		return rec, err
	}
	slog.Info("catalog updated", "title_id", rec.TitleID, "name", rec.Name, "source", rec.Source)
	return rec, nil
}

// Edit sets a manual name and image for titleID, creating the record when
// absent. An empty image keeps the current image, or the lowercased id for
// a new record.
func (c *Catalog) Edit(titleID, name, image string) (GameRecord, error) {
	if !ValidTitleID(titleID) {
		return GameRecord{}, fmt.Errorf("%w: %q", ErrInvalidTitleID, titleID)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return GameRecord{}, errors.New("name must not be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if image == "" {
		if existing, ok := c.games[titleID]; ok {
			image = existing.Image
		} else if titleID == HomeTitleID {
			image = Home().Image
		} else {
			image = strings.ToLower(titleID)
		}
	}

	rec := GameRecord{
		TitleID:   titleID,
		Name:      name,
		Image:     image,
		Source:    SourceManual,
		UpdatedAt: c.now(),
	}
	c.games[titleID] = rec
	if err := c.save(); err != nil {
		return rec, err
	}
	slog.Info("catalog edited", "title_id", titleID, "name", name)
	return rec, nil
}

// Forget removes the record for titleID so the next cycle resolves it
// again. It returns [ErrUnknownTitle] when nothing is stored.
func (c *Catalog) Forget(titleID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.games[titleID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTitle, titleID)
	}
	delete(c.games, titleID)
	return c.save()
}

// All returns every stored record sorted by title id.
func (c *Catalog) All() []GameRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedLocked()
}

func (c *Catalog) sortedLocked() []GameRecord {
	out := make([]GameRecord, 0, len(c.games))
	for _, g := range c.games {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b GameRecord) int { return strings.Compare(a.TitleID, b.TitleID) })
	return out
}

// save writes the catalog. Caller holds c.mu.
func (c *Catalog) save() error {
	if c.path == "" {
		return nil
	}
	doc := document{Version: migrate.Catalog.CurrentVersion, Games: c.sortedLocked()}
	if err := atomicfile.WriteJSON(c.path, doc, 0o644); err != nil {
		return fmt.Errorf("save catalog: %w", err)
	}
	return nil
}

func sameDisplay(a, b GameRecord) bool {
	return a.Name == b.Name && a.Image == b.Image
}
