package tracker

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danieljhkim/plugkit/internal/fsops"
	"github.com/danieljhkim/plugkit/internal/fsops/fsopstest"
	"github.com/danieljhkim/plugkit/internal/plugin"
)

func TestState(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewState()

	s.Add(Record{Name: "zustand", Category: plugin.CategoryState, InstalledAt: at})
	s.Add(Record{Name: "axios", Category: plugin.CategoryHTTP, InstalledAt: at})
	s.Add(Record{Name: "react-router", Category: plugin.CategoryRouting, InstalledAt: at})

	if got := s.Names(); len(got) != 3 || got[0] != "axios" || got[1] != "react-router" || got[2] != "zustand" {
		t.Errorf("Names() = %v, want sorted", got)
	}
	if !s.Has("axios") || s.Has("redux") {
		t.Error("Has() returned wrong result")
	}

	s.Add(Record{Name: "axios", Version: "2.0.0", Category: plugin.CategoryHTTP})
	if r, _ := s.Get("axios"); r.Version != "2.0.0" {
		t.Errorf("Add should replace, got version %q", r.Version)
	}
	if len(s.Plugins) != 3 {
		t.Errorf("expected 3 records, got %d", len(s.Plugins))
	}

	if got := s.InCategory(plugin.CategoryRouting); len(got) != 1 || got[0].Name != "react-router" {
		t.Errorf("InCategory(routing) = %v", got)
	}

	clone := s.Clone()
	clone.Remove("axios")
	if !s.Has("axios") {
		t.Error("Clone should be independent")
	}

	if !s.Remove("zustand") || s.Remove("zustand") {
		t.Error("Remove should report existence")
	}
}

func TestNewRecord(t *testing.T) {
	at := time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)
	info := plugin.Info{Name: "zod", DisplayName: "Zod", Category: plugin.CategoryForms, Version: "3.22.0"}

	r := NewRecord(info, at)
	if r.Name != "zod" || r.DisplayName != "Zod" || r.Category != plugin.CategoryForms || r.Version != "3.22.0" || !r.InstalledAt.Equal(at) {
		t.Errorf("NewRecord() = %+v", r)
	}
	if r.Detected {
		t.Error("NewRecord should not mark Detected")
	}
}

func TestFileStore(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewFileStore(fsops.NewRealFS(), filepath.Join(tmpDir, ".plugkit", "installed.json"))

	t.Run("load missing returns empty state", func(t *testing.T) {
		state, err := store.Load()
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if len(state.Plugins) != 0 || state.Version != SchemaVersion {
			t.Errorf("expected empty state, got %+v", state)
		}
	})

	t.Run("save and load round trip", func(t *testing.T) {
		at := time.Date(2024, 3, 3, 10, 0, 0, 0, time.UTC)
		state := NewState()
		state.Add(Record{Name: "tailwind", DisplayName: "Tailwind CSS", Category: plugin.CategoryCSS, InstalledAt: at})
		state.Add(Record{Name: "zustand", Category: plugin.CategoryState, InstalledAt: at, Detected: true})

		if err := store.Save(state); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		loaded, err := store.Load()
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if len(loaded.Plugins) != 2 {
			t.Fatalf("expected 2 plugins, got %d", len(loaded.Plugins))
		}
		r, ok := loaded.Get("zustand")
		if !ok || !r.Detected || !r.InstalledAt.Equal(at) {
			t.Errorf("zustand record = %+v", r)
		}
	})
}

func TestFileStore_Errors(t *testing.T) {
	mem := fsopstest.NewMemFS()
	store := NewFileStore(mem, "/p/.plugkit/installed.json")

	mem.SetFile("/p/.plugkit/installed.json", "{not json")
	if _, err := store.Load(); err == nil {
		t.Error("expected parse error")
	}

	mem.SetFile("/p/.plugkit/installed.json", `{"version": 99, "plugins": []}`)
	if _, err := store.Load(); err == nil {
		t.Error("expected error for newer schema")
	}

	mem.SetFile("/p/.plugkit/installed.json", `{"version": 1}`)
	state, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state.Plugins == nil {
		t.Error("Plugins should be initialized")
	}

	writeErr := errors.New("read-only")
	mem.FailWrite("/p/.plugkit/installed.json", writeErr)
	if err := store.Save(NewState()); !errors.Is(err, writeErr) {
		t.Errorf("Save error = %v, want wrapped %v", err, writeErr)
	}
}
