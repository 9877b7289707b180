package main

import (
	"reflect"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	ps4cord "tools.zach/dev/ps4cord"
	"tools.zach/dev/ps4cord/internal/config"
)

// ///////////////////////////////////////////////
// Section Helpers
// ///////////////////////////////////////////////

func TestParseSectionPath(t *testing.T) {
	tests := []struct {
		section string
		want    []string
	}{
		{"console", []string{"console"}},
		{"display.idle", []string{"display", "idle"}},
	}
	for _, tt := range tests {
		if got := parseSectionPath(tt.section); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseSectionPath(%q) = %v, want %v", tt.section, got, tt.want)
		}
	}
}

func TestSectionName(t *testing.T) {
	tests := []struct{ section, want string }{
		{"polling", "Polling"},
		{"display.idle", "Idle"},
		{"Log", "Log"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sectionName(tt.section); got != tt.want {
			t.Errorf("sectionName(%q) = %q, want %q", tt.section, got, tt.want)
		}
	}
}

// ///////////////////////////////////////////////
// injectOmitted Tests
// ///////////////////////////////////////////////

func TestInjectOmitted(t *testing.T) {
	docs := map[string]config.FieldDoc{
		"console.address": {Comment: "host", Alternatives: []string{`address = "10.0.0.2"`}},
		"console.port":    {Comment: "port"},
		"console.tls.on":  {Comment: "nested, skipped"},
		"log.level":       {Comment: "other section"},
	}

	var out []string
	injectOmitted(&out, docs, nil, map[string]bool{})
	if len(out) != 0 {
		t.Fatalf("no section should inject nothing, got %q", out)
	}

	emitted := map[string]bool{"console.port": true}
	injectOmitted(&out, docs, []string{"console"}, emitted)
	want := []string{"", "# host", `# address = "10.0.0.2"`}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("out = %q, want %q", out, want)
	}
	if !emitted["console.address"] {
		t.Error("injected key should be marked emitted")
	}
}

// ///////////////////////////////////////////////
// render Tests
// ///////////////////////////////////////////////

func TestRenderDocumentsEveryKey(t *testing.T) {
	got, err := render(config.ExampleConfig(), config.ConfigDocs)
	if err != nil {
		t.Fatal(err)
	}
	for path, doc := range config.ConfigDocs {
		if doc.Comment == "" {
			continue
		}
		first := strings.Split(doc.Comment, "\n")[0]
		if !strings.Contains(got, "# "+first) {
			t.Errorf("comment for %s missing", path)
		}
	}
	for _, section := range []string{"console", "discord", "display", "polling", "metadata", "privacy", "log"} {
		if !strings.Contains(got, "\n["+section+"]\n") {
			t.Errorf("section [%s] missing", section)
		}
	}
	if strings.Contains(got, "\n  ") {
		t.Error("indentation should be stripped")
	}
}

func TestRenderRoundTrip(t *testing.T) {
	got, err := render(config.ExampleConfig(), config.ConfigDocs)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	if _, err := toml.Decode(got, cfg); err != nil {
		t.Fatalf("rendered file does not parse: %v", err)
	}
	if !reflect.DeepEqual(cfg, config.ExampleConfig()) {
		t.Errorf("round trip = %+v, want %+v", cfg, config.ExampleConfig())
	}
}

// The embedded file must stay in sync with the defaults; rerun go generate
// after changing them.
func TestEmbeddedDefaultConfig(t *testing.T) {
	var cfg config.Config
	if _, err := toml.Decode(string(ps4cord.DefaultConfigTOML), &cfg); err != nil {
		t.Fatalf("embedded config does not parse: %v", err)
	}
	if cfg.Privacy.Ignore == nil {
		cfg.Privacy.Ignore = []string{}
	}
	if !reflect.DeepEqual(&cfg, config.DefaultConfig()) {
		t.Errorf("embedded config = %+v, want %+v", cfg, config.DefaultConfig())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("embedded config invalid: %v", err)
	}
}
