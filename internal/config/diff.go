package config

// ConfigDiff describes what changed between two configs. Voice, reply and
// log level settings are applied live; everything else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	VoiceChanged    bool
	ReplyChanged    bool

	// RestartRequired is set when a field outside the hot-reloadable set
	// changed.
	RestartRequired bool

	// New is the config the diff leads to.
	New *Config
}

// Changed reports whether any hot-reloadable field changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VoiceChanged || d.ReplyChanged
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{New: new}

	d.LogLevelChanged = old.Server.LogLevel != new.Server.LogLevel
	d.VoiceChanged = old.Voice != new.Voice
	d.ReplyChanged = old.Reply != new.Reply

	if old.Server.StatusAddr != new.Server.StatusAddr ||
		old.Backend != new.Backend ||
		old.Audio != new.Audio ||
		old.Journal != new.Journal {
		d.RestartRequired = true
	}
	return d
}
