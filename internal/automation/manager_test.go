//go:build !no_automation

package automation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Porch Light", Description: "On at dusk", Enabled: true},
		LuaCode: `esphome.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "porch_light" {
		t.Errorf("id = %q, want porch_light", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if got.LuaCode != "esphome.log(\"hello\")\n" {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Save(&Script{Meta: ScriptMeta{Name: "First"}, LuaCode: "-- v1"})
	if err != nil {
		t.Fatal(err)
	}
	s.Meta.Name = "Renamed"
	s.LuaCode = "-- v2"
	if _, err := m.Save(s); err != nil {
		t.Fatal(err)
	}

	scripts, _ := m.List()
	if len(scripts) != 1 {
		t.Fatalf("list count = %d, want 1", len(scripts))
	}
	if scripts[0].ID != "first" || scripts[0].Meta.Name != "Renamed" {
		t.Errorf("script = %s %q, want first Renamed", scripts[0].ID, scripts[0].Meta.Name)
	}
	if !strings.Contains(scripts[0].LuaCode, "-- v2") {
		t.Errorf("lua_code = %q, want v2", scripts[0].LuaCode)
	}
}

func TestManagerRejectsBadID(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"..", "a/b", `a\b`, "x..y"} {
		if _, err := m.Save(&Script{ID: id}); err == nil {
			t.Errorf("Save(%q): want error", id)
		}
		if _, err := m.Get(id); err == nil {
			t.Errorf("Get(%q): want error", id)
		}
		if err := m.Delete(id); err == nil {
			t.Errorf("Delete(%q): want error", id)
		}
	}
}

func TestManagerListSkipsBrokenFiles(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Save(&Script{Meta: ScriptMeta{Name: "good"}}); err != nil {
		t.Fatal(err)
	}
	broken := frontMatterOpen + "\nname: [unclosed\n"
	if err := os.WriteFile(filepath.Join(m.dir, "broken.lua"), []byte(broken), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 1 || scripts[0].ID != "good" {
		t.Errorf("scripts = %v, want only good", scripts)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Save(&Script{Meta: ScriptMeta{Name: "gone"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(s.ID); err == nil {
		t.Error("get after delete: want error")
	}
	if err := m.Delete(s.ID); err == nil {
		t.Error("second delete: want error")
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)
	var ids []string
	for range 3 {
		s, err := m.Save(&Script{Meta: ScriptMeta{Name: "Same Name"}})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, s.ID)
	}
	want := []string{"same_name", "same_name_1", "same_name_2"}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids = %v, want %v", ids, want)
			break
		}
	}
}

func TestParseScriptFile(t *testing.T) {
	dir := t.TempDir()
	content := `--[[---
name: Garage alarm
description: Warn when the door opens at night
enabled: true
---]]

esphome.on_state("garage.BinarySensor.*.state", function(ev)
  if ev.val and system.time_between(22, 6) then
    esphome.set("garage.Switch.3.state", true)
  end
end)
`
	path := filepath.Join(dir, "garage.lua")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m := &Manager{dir: dir}
	s, err := m.parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "garage" || s.Meta.Name != "Garage alarm" || !s.Meta.Enabled {
		t.Errorf("script = %s %+v", s.ID, s.Meta)
	}
	if s.Meta.Description != "Warn when the door opens at night" {
		t.Errorf("description = %q", s.Meta.Description)
	}
	if !strings.HasPrefix(s.LuaCode, `esphome.on_state("garage.BinarySensor.*.state"`) {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestParseScriptWithoutFrontMatter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.lua")
	if err := os.WriteFile(path, []byte("esphome.log(\"x\")\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := (&Manager{dir: dir}).parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Name != "plain" || s.Meta.Enabled {
		t.Errorf("meta = %+v, want name plain disabled", s.Meta)
	}
	if s.LuaCode != "esphome.log(\"x\")\n" {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestParseScriptUnterminated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.lua")
	if err := os.WriteFile(path, []byte(frontMatterOpen+"\nname: x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := (&Manager{dir: dir}).parseFile(path); err == nil {
		t.Error("want error for unterminated front matter")
	}
}

func TestSerializeScript(t *testing.T) {
	content, err := serializeScript(&Script{
		ID:      "test",
		Meta:    ScriptMeta{Name: "Test", Enabled: true},
		LuaCode: `esphome.log("hi")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "--[[---\nname: Test\nenabled: true\n---]]\n\nesphome.log(\"hi\")\n"
	if string(content) != want {
		t.Errorf("content =\n%s\nwant\n%s", content, want)
	}

	// The whole file must still be valid Lua.
	L := lua.NewState()
	defer L.Close()
	if err := L.DoString(`esphome = {log = function() end}`); err != nil {
		t.Fatal(err)
	}
	if err := L.DoString(string(content)); err != nil {
		t.Errorf("serialized script does not run: %v", err)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Bathroom Light", "bathroom_light"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
		{strings.Repeat("a", 50), strings.Repeat("a", 40)},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
