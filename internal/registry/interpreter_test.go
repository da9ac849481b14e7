package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opm-sh/opm/internal/config"
	"github.com/opm-sh/opm/internal/testutil"
)

func TestResolveCommand(t *testing.T) {
	runner := config.Runner{Node: "node"}

	cases := []struct {
		script string
		want   string
	}{
		{"server.js", "node server.js"},
		{"app.ts --port 3000", "node app.ts --port 3000"},
		{"worker.py", "python3 worker.py"},
		{"deploy.sh", "bash deploy.sh"},
		{"job.rb", "ruby job.rb"},
		{"main.go", "go run main.go"},
		// Bare simple path, no extension: configured node runner.
		{"dist/server", "node dist/server"},
		// Full shell commands pass through untouched.
		{"sleep 60", "sleep 60"},
		{"python3 -m http.server", "python3 -m http.server"},
		{"./bin/start --flag", "./bin/start --flag"},
	}

	for _, tc := range cases {
		if got := ResolveCommand(runner, tc.script); got != tc.want {
			t.Errorf("ResolveCommand(%q) = %q, want %q", tc.script, got, tc.want)
		}
	}
}

func TestHashPathChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "marker")

	if HashPath(file) != "" {
		t.Error("missing path should hash empty")
	}

	if err := os.WriteFile(file, []byte("one"), 0644); err != nil {
		t.Fatal(err)
	}
	first := HashPath(file)
	if first == "" {
		t.Fatal("file hash empty")
	}
	if HashPath(file) != first {
		t.Error("hash not stable for unchanged content")
	}

	if err := os.WriteFile(file, []byte("two"), 0644); err != nil {
		t.Fatal(err)
	}
	if HashPath(file) == first {
		t.Error("hash unchanged after content change")
	}
}

func TestHashPathDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	first := HashPath(dir)
	if first == "" {
		t.Fatal("directory hash empty")
	}

	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0644); err != nil {
		t.Fatal(err)
	}
	if HashPath(dir) == first {
		t.Error("hash unchanged after adding a file")
	}
}

func TestSetWatchStampsHash(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker"), []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}

	reg := openTest(t, testutil.NewFakeProbe())
	p, err := reg.Start(CreateSpec{Script: "sleep 60", Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.SetWatch(p.ID, "marker", true); err != nil {
		t.Fatal(err)
	}
	if !p.Watch.Enabled || p.Watch.Hash == "" {
		t.Errorf("watch = %+v", p.Watch)
	}
	if err := reg.SetWatch(p.ID, "", false); err != nil {
		t.Fatal(err)
	}
	if p.Watch.Enabled || p.Watch.Hash != "" {
		t.Errorf("watch not cleared: %+v", p.Watch)
	}
}
