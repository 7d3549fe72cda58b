// Package tracker persists which plugins are installed in a project.
//
// The installed set is stored as JSON in <root>/.plugkit/installed.json. It
// is read at the start of an install call and written only after the whole
// call succeeds, plus for self-healing registrations of plugins found by
// detection but missing from the file.
//
// Key concepts:
//   - Record: one installed plugin with its version and install time
//   - State: the full installed set, kept sorted by name
//   - Store: interface for loading and saving State
package tracker
