package config

// ///////////////////////////////////////////////
// Documentation Types
// ///////////////////////////////////////////////

// FieldDoc holds documentation and alternative examples for a single config field.
// The genconfig tool uses [FieldDoc] values to annotate the generated config.default.toml.
type FieldDoc struct {
	// Comment is shown as a header comment above the field in the example config.
	Comment string

	// Alternatives are shown as commented-out lines below the active value.
	Alternatives []string
}

// ///////////////////////////////////////////////
// Field Documentation Map
// ///////////////////////////////////////////////

// ConfigDocs maps TOML field paths (dot-separated, e.g. "console.address")
// to their [FieldDoc] entries.
var ConfigDocs = map[string]FieldDoc{
	"version": {
		Comment: "Config schema version. Do not edit.",
	},

	// Console
	"console.address": {
		Comment: "IP address or host name of the PS4 running an FTP payload.\nLeave empty and run `ps4cord discover --save` to find it on the local network.\nEnvironment override: PS4CORD_CONSOLE_ADDRESS",
		Alternatives: []string{
			`address = "192.168.1.50"`,
		},
	},
	"console.port": {
		Comment: "FTP payload port.",
	},
	"console.auto_connect": {
		Comment: "Connect to the configured address when the daemon starts.",
	},
	"console.connect_timeout_ms": {
		Comment: "Time limits for each probe stage, in milliseconds.",
	},
	"console.verify_timeout_ms": {},
	"console.list_timeout_ms":   {},

	// Discord
	"discord.client_id": {
		Comment: "Discord application ID for Rich Presence.\nUse your own application for custom images.",
	},

	// Display
	"display.details": {
		Comment: "Templates for the presence card.\nVariables: {name}, {title_id}\ndetails = top line, state = bottom line",
		Alternatives: []string{
			`details = "Playing {name}"`,
		},
	},
	"display.state": {},
	"display.large_text": {
		Comment: "Hover text of the cover image.",
	},
	"display.show_on_home": {
		Comment: "Show a card while the console sits on the home screen.",
	},
	"display.show_when_idle": {
		Comment: "Keep a card up when nothing is playing, the console is offline, or no address is set.\nWhen false the card is cleared instead.",
	},
	"display.show_timer": {
		Comment: "Show elapsed time since the current title started.",
	},
	"display.idle_details": {
		Comment: "Texts used by the idle card when show_when_idle is true.",
	},
	"display.idle_state":         {},
	"display.offline_state":      {},
	"display.unconfigured_state": {},
	"display.idle_image": {
		Comment: "Discord asset key for the idle card image.",
	},

	// Polling
	"polling.fast_ms": {
		Comment: "Poll interval while a title is running, in milliseconds.",
	},
	"polling.idle_ms": {
		Comment: "Poll interval while nothing is running or no connection is wanted.",
	},
	"polling.backoff_base_ms": {
		Comment: "Retry delays after the console stops answering.\nEach failure doubles the delay from backoff_base_ms up to backoff_ceiling_ms.",
	},
	"polling.backoff_ceiling_ms": {},
	"polling.floor_ms": {
		Comment: "Lower bound for every delay.",
	},
	"polling.max_backoff_step": {
		Comment: "Highest doubling step.",
	},

	// Metadata
	"metadata.enabled": {
		Comment: "Look up game names and cover art from the PlayStation title metadata service.\nWhen disabled the title id is shown instead.",
	},
	"metadata.base_url": {},
	"metadata.timeout_seconds": {
		Comment: "Time limit for one lookup including retries.",
	},
	"metadata.retry_fallback_minutes": {
		Comment: "Retry titles the service could not name after this many minutes.\n0 keeps the fallback forever.",
	},

	// Privacy
	"privacy.ignore": {
		Comment: "Glob patterns matched against title ids and names.\nMatching titles are never shown.",
		Alternatives: []string{
			`ignore = ["CUSA00001", "*Demo*"]`,
		},
	},

	// Log
	"log.level": {
		Comment: "Log level: trace, debug, info, warn, error",
	},
	"log.max_size_mb": {
		Comment: "Maximum log file size in megabytes before rotation",
	},
}
