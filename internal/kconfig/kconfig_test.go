package kconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsAndValidates(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "breenix.cfg")
	body := "[Global]\nLog-Level=INFO\n\n[Mount \"root\"]\nPath=/opt/breenix/programs\n"
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.TimerHz != defaultTimerHz {
		t.Fatalf("expected default timer hz %d, got %d", defaultTimerHz, c.TimerHz)
	}
	if c.ProgramMounts["root"] != "/opt/breenix/programs" {
		t.Fatalf("unexpected mount: %#v", c.ProgramMounts)
	}
}

func TestLoadRejectsNoMounts(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "breenix.cfg")
	if err := os.WriteFile(p, []byte("[Global]\nLog-Level=INFO\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(p); err != ErrNoMounts {
		t.Fatalf("expected ErrNoMounts, got %v", err)
	}
}

func TestDefault(t *testing.T) {
	c := Default(map[string]string{"root": "/bin"})
	if err := c.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
