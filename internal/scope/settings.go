package scope

import (
	"strconv"
	"strings"
)

// Setting names with a typed home in Settings.
const (
	SettingSequence   = "SEQUENCE"
	SettingCommFormat = "COMM_FORMAT"
)

// WordFormat selects 16-bit binary waveform transfers.
const WordFormat = "CFMT DEF9,WORD,BIN"

// Setting is one named instrument setting. Value is the instrument's response
// to the query, which can be sent back verbatim to restore it.
type Setting struct {
	Name  string
	Value string
}

// Settings is a snapshot of the instrument configuration. The settings the
// acquisition code reasons about are typed fields; everything else rides along
// in Extra in query order.
type Settings struct {
	Sequence   string
	CommFormat string
	Extra      []Setting
}

// SettingsFromList sorts a list of query results into typed and passthrough
// settings.
func SettingsFromList(list []Setting) Settings {
	var s Settings
	for _, kv := range list {
		switch kv.Name {
		case SettingSequence:
			s.Sequence = kv.Value
		case SettingCommFormat:
			s.CommFormat = kv.Value
		default:
			s.Extra = append(s.Extra, kv)
		}
	}
	return s
}

// List returns every setting, typed ones first.
func (s Settings) List() []Setting {
	list := make([]Setting, 0, len(s.Extra)+2)
	if s.CommFormat != "" {
		list = append(list, Setting{Name: SettingCommFormat, Value: s.CommFormat})
	}
	if s.Sequence != "" {
		list = append(list, Setting{Name: SettingSequence, Value: s.Sequence})
	}
	return append(list, s.Extra...)
}

// Map returns the settings keyed by name.
func (s Settings) Map() map[string]string {
	m := make(map[string]string, len(s.Extra)+2)
	for _, kv := range s.List() {
		m[kv.Name] = kv.Value
	}
	return m
}

// Get looks a setting up by name.
func (s Settings) Get(name string) (string, bool) {
	for _, kv := range s.List() {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return "", false
}

// SequenceCount parses the number of segments per trigger from the SEQUENCE
// setting. Responses look like "SEQ ON,10,2.5E+6" (or without the header);
// anything that is not ON yields 1.
func (s Settings) SequenceCount() int {
	value := strings.TrimSpace(s.Sequence)
	if i := strings.IndexByte(value, ' '); i >= 0 {
		head := strings.ToUpper(value[:i])
		if head != "ON" && head != "OFF" && !strings.Contains(head, ",") {
			value = strings.TrimSpace(value[i+1:])
		}
	}

	fields := strings.Split(value, ",")
	if len(fields) < 2 || strings.ToUpper(strings.TrimSpace(fields[0])) != "ON" {
		return 1
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil || f < 1 {
		return 1
	}
	return int(f)
}
