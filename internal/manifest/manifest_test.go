package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"ExtensionHost/internal/messages"
	"ExtensionHost/internal/registry"
	"ExtensionHost/pkg/extension"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const gitLensJSON = `{
  "name": "gitlens",
  "publisher": "eamodio",
  "version": "1.2.0",
  "main": "gitlens.so",
  "extensionDependencies": ["vscode.git"],
  "activationEvents": ["*", "onCommand:gitlens.show"],
  "capabilities": ["filesystem"]
}`

const gitYAML = `id: vscode.git
name: git
version: 0.1.0
activationEvents:
  - "*"
`

func TestParseBuildsPublisherQualifiedID(t *testing.T) {
	desc, err := Parse([]byte(gitLensJSON))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := extension.Description{
		ID:                    "eamodio.gitlens",
		Name:                  "gitlens",
		Publisher:             "eamodio",
		Version:               "1.2.0",
		Main:                  "gitlens.so",
		ExtensionDependencies: []string{"vscode.git"},
		ActivationEvents:      []string{"*", "onCommand:gitlens.show"},
		Capabilities:          []extension.Capability{extension.CapabilityFilesystem},
		Source:                extension.SourceManifest,
	}
	if diff := cmp.Diff(want, desc); diff != "" {
		t.Fatalf("description mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRejectsMissingName(t *testing.T) {
	if _, err := Parse([]byte(`{"version": "1.0.0"}`)); err == nil {
		t.Fatalf("expected error for manifest without name")
	}
	if _, err := Parse([]byte(`{"name": [`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestScanSortsAndReportsProblems(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b-gitlens", PackageJSON), gitLensJSON)
	writeFile(t, filepath.Join(root, "a-git", ExtensionYAML), gitYAML)
	writeFile(t, filepath.Join(root, "c-broken", PackageJSON), `{"name": [`)
	if err := os.MkdirAll(filepath.Join(root, "d-empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	descs, problems, err := Scan(root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	var ids []string
	for _, d := range descs {
		ids = append(ids, d.ID)
	}
	if diff := cmp.Diff([]string{"vscode.git", "eamodio.gitlens"}, ids); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
	if want := filepath.Join(root, "b-gitlens", "gitlens.so"); descs[1].Main != want {
		t.Fatalf("main should be resolved to %s, got %s", want, descs[1].Main)
	}
	if descs[0].Location != filepath.Join(root, "a-git") {
		t.Fatalf("unexpected location %s", descs[0].Location)
	}
	if len(problems) != 1 || filepath.Base(problems[0].Dir) != "c-broken" {
		t.Fatalf("unexpected problems: %+v", problems)
	}
}

func TestLoadDirWithoutManifest(t *testing.T) {
	if _, err := LoadDir(t.TempDir()); !errors.Is(err, ErrNoManifest) {
		t.Fatalf("expected ErrNoManifest, got %v", err)
	}
}

func TestLoadRegistersAndReportsDiagnostics(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "git", ExtensionYAML), gitYAML)
	writeFile(t, filepath.Join(root, "git-copy", ExtensionYAML), gitYAML)
	writeFile(t, filepath.Join(root, "broken", PackageJSON), `{"name": [`)

	reg := registry.New()
	sink := messages.NewMemorySink(0)
	n, err := Load(context.Background(), root, reg, sink)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 1 || !reg.Has("vscode.git") {
		t.Fatalf("expected vscode.git registered once, got n=%d", n)
	}
	msgs := sink.List(0)
	if len(msgs) != 2 {
		t.Fatalf("expected two diagnostics, got %+v", msgs)
	}
	codes := map[string]bool{}
	for _, m := range msgs {
		codes[string(m.Code)] = true
	}
	if !codes[string(CodeInvalidManifest)] || !codes[string(registry.CodeDuplicateExtension)] {
		t.Fatalf("unexpected diagnostic codes: %v", codes)
	}
}

func TestWatcherRegistersNewExtension(t *testing.T) {
	root := t.TempDir()
	staging := t.TempDir()
	reg := registry.New()
	added := make(chan extension.Description, 1)

	w, err := NewWatcher(root, reg,
		WithDebounce(20*time.Millisecond),
		WithOnAdded(func(_ context.Context, d extension.Description) { added <- d }))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	writeFile(t, filepath.Join(staging, "git", ExtensionYAML), gitYAML)
	if err := os.Rename(filepath.Join(staging, "git"), filepath.Join(root, "git")); err != nil {
		t.Fatalf("rename: %v", err)
	}

	select {
	case d := <-added:
		if d.ID != "vscode.git" {
			t.Fatalf("unexpected extension %s", d.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("watcher did not register the new extension")
	}
	if !reg.Has("vscode.git") {
		t.Fatalf("registry should contain vscode.git")
	}
}
