package watcher

import "testing"

func TestMatchesDirBuiltins(t *testing.T) {
	m := NewExcludeMatcher(nil)
	for _, name := range []string{"node_modules", ".git", ".hidden", "__pycache__"} {
		if !m.MatchesDir(name) {
			t.Errorf("expected %q to be excluded", name)
		}
	}
	if m.MatchesDir("docs") {
		t.Error("expected ordinary directory not to be excluded")
	}
}

func TestMatchesFileUserPattern(t *testing.T) {
	m := NewExcludeMatcher([]string{"*.tmp", "draft-*"})
	cases := map[string]bool{
		"/home/user/notes.tmp":   true,
		"/home/user/draft-1.txt": true,
		"/home/user/final.txt":   false,
		"/home/user/.hidden.txt": true,
	}
	for path, want := range cases {
		if got := m.MatchesFile(path); got != want {
			t.Errorf("MatchesFile(%q) = %v, want %v", path, got, want)
		}
	}
}
