package tracker

import (
	"sort"
	"time"

	"github.com/danieljhkim/plugkit/internal/plugin"
)

// SchemaVersion is written to every saved state.
const SchemaVersion = 1

// Record describes one installed plugin.
type Record struct {
	// Name is the plugin name
	Name string `json:"name"`

	// DisplayName is the human-readable plugin name
	DisplayName string `json:"displayName"`

	// Category is the plugin category at install time
	Category plugin.Category `json:"category"`

	// Version is the plugin version at install time
	Version string `json:"version,omitempty"`

	// InstalledAt is when the plugin was recorded
	InstalledAt time.Time `json:"installedAt"`

	// Detected marks records created by reconciliation rather than an install
	Detected bool `json:"detected,omitempty"`
}

// NewRecord builds a record from plugin info.
func NewRecord(info plugin.Info, at time.Time) Record {
	return Record{
		Name:        info.Name,
		DisplayName: info.DisplayName,
		Category:    info.Category,
		Version:     info.Version,
		InstalledAt: at,
	}
}

// State is the persisted installed set.
type State struct {
	// Version is the schema version
	Version int `json:"version"`

	// Plugins is sorted by name
	Plugins []Record `json:"plugins"`
}

// NewState creates an empty State.
func NewState() *State {
	return &State{Version: SchemaVersion, Plugins: []Record{}}
}

// Has reports whether name is recorded.
func (s *State) Has(name string) bool {
	_, ok := s.Get(name)
	return ok
}

// Get returns the record for name.
func (s *State) Get(name string) (Record, bool) {
	for _, r := range s.Plugins {
		if r.Name == name {
			return r, true
		}
	}
	return Record{}, false
}

// Names returns every recorded name, sorted.
func (s *State) Names() []string {
	names := make([]string, len(s.Plugins))
	for i, r := range s.Plugins {
		names[i] = r.Name
	}
	return names
}

// InCategory returns the records in category c.
func (s *State) InCategory(c plugin.Category) []Record {
	var out []Record
	for _, r := range s.Plugins {
		if r.Category == c {
			out = append(out, r)
		}
	}
	return out
}

// Add inserts or replaces the record with the same name.
func (s *State) Add(rec Record) {
	for i, r := range s.Plugins {
		if r.Name == rec.Name {
			s.Plugins[i] = rec
			return
		}
	}
	s.Plugins = append(s.Plugins, rec)
	sort.Slice(s.Plugins, func(i, j int) bool { return s.Plugins[i].Name < s.Plugins[j].Name })
}

// Remove deletes the record for name and reports whether it existed.
func (s *State) Remove(name string) bool {
	for i, r := range s.Plugins {
		if r.Name == name {
			s.Plugins = append(s.Plugins[:i], s.Plugins[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := &State{Version: s.Version, Plugins: make([]Record, len(s.Plugins))}
	copy(c.Plugins, s.Plugins)
	return c
}
