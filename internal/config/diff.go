package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// server changes require a restart and are reported for logging only.
type ConfigDiff struct {
	LogLevelChanged   bool
	NewLogLevel       LogLevel
	ExtractionChanged bool
	NewExtraction     ExtractionConfig

	// ProvidersChanged lists provider kinds whose entries differ. These are
	// not hot-reloaded; a change here means a restart is needed.
	ProvidersChanged []string
}

// Empty reports whether the diff carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ExtractionChanged && len(d.ProvidersChanged) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Extraction != new.Extraction {
		d.ExtractionChanged = true
		d.NewExtraction = new.Extraction
	}

	for _, pc := range []struct {
		kind     string
		old, new ProviderEntry
	}{
		{"transcribe", old.Providers.Transcribe, new.Providers.Transcribe},
		{"vision", old.Providers.Vision, new.Providers.Vision},
		{"text", old.Providers.Text, new.Providers.Text},
	} {
		if !sameEntry(pc.old, pc.new) {
			d.ProvidersChanged = append(d.ProvidersChanged, pc.kind)
		}
	}

	if !sameEntries(old.Providers.TranscribeFallbacks, new.Providers.TranscribeFallbacks) {
		d.ProvidersChanged = append(d.ProvidersChanged, "transcribe_fallbacks")
	}

	return d
}

func sameEntries(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameEntry(a[i], b[i]) {
			return false
		}
	}
	return true
}

// sameEntry compares provider entries. The free-form Options map is compared
// with reflect.DeepEqual since it is not comparable with ==.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		a.RequestTimeout == b.RequestTimeout &&
		reflect.DeepEqual(a.Options, b.Options)
}
