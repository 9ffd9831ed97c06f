package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("not an elf file")); err == nil {
		t.Fatalf("expected an error parsing non-ELF bytes")
	}
}

func TestResolveVaddrIsIdentity(t *testing.T) {
	if got := resolveVaddr(AbsoluteUserBase + 0x1000); got != AbsoluteUserBase+0x1000 {
		t.Fatalf("expected absolute addresses to pass through unchanged, got %#x", got)
	}
}

// hostELF locates a real ELF binary on the test host to exercise Parse end
// to end without shipping a binary fixture into the tree.
func hostELF(t *testing.T) string {
	t.Helper()
	for _, candidate := range []string{"/bin/ls", "/usr/bin/ls", "/bin/cat"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	t.Skip("no host ELF binary available to exercise Parse")
	return ""
}

func TestParseRealELFHasEntryAndSegments(t *testing.T) {
	path := hostELF(t)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	img, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if img.Entry == 0 {
		t.Fatalf("expected a non-zero entry point")
	}
	if len(img.Segments) == 0 {
		t.Fatalf("expected at least one loadable segment")
	}
}

func TestStoreLoadsAndCaches(t *testing.T) {
	dir := t.TempDir()
	src := hostELF(t)
	raw, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	dst := filepath.Join(dir, "prog")
	if err := os.WriteFile(dst, raw, 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	img1, err := s.Load("prog")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	img2, err := s.Load("prog")
	if err != nil {
		t.Fatalf("Load (cached): %v", err)
	}
	if img1 != img2 {
		t.Fatalf("expected the second Load to hit the cache and return the same *Image")
	}
}

func TestStoreInvalidatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	src := hostELF(t)
	raw, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	dst := filepath.Join(dir, "prog")
	if err := os.WriteFile(dst, raw, 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	if _, err := s.Load("prog"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := os.WriteFile(dst, raw, 0o755); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mtx.Lock()
		_, cached := s.cache["prog"]
		s.mtx.Unlock()
		if !cached {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected cache invalidation after rewrite")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
