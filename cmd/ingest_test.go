package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestCollectFilesFiltersByExtension(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "notes.md"), "# notes")
	writeFile(t, filepath.Join(root, "main.go"), "package main")
	writeFile(t, filepath.Join(root, "image.png"), "binary")
	writeFile(t, filepath.Join(root, "sub", "doc.txt"), "text")

	files, err := collectFiles(root, map[string]bool{".md": true, ".txt": true})
	if err != nil {
		t.Fatalf("collectFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v, want notes.md and sub/doc.txt", files)
	}
}

func TestCollectFilesHonorsGitignore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".gitignore"), "build/\nsecret.md\n")
	writeFile(t, filepath.Join(root, "keep.md"), "keep")
	writeFile(t, filepath.Join(root, "secret.md"), "drop")
	writeFile(t, filepath.Join(root, "build", "out.md"), "drop")

	files, err := collectFiles(root, map[string]bool{".md": true})
	if err != nil {
		t.Fatalf("collectFiles: %v", err)
	}
	if len(files) != 1 || filepath.Base(files[0]) != "keep.md" {
		t.Fatalf("files = %v, want only keep.md", files)
	}
}

func TestCollectFilesSkipsHiddenDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".git", "config.md"), "drop")
	writeFile(t, filepath.Join(root, "visible.md"), "keep")

	files, err := collectFiles(root, map[string]bool{".md": true})
	if err != nil {
		t.Fatalf("collectFiles: %v", err)
	}
	if len(files) != 1 || filepath.Base(files[0]) != "visible.md" {
		t.Fatalf("files = %v, want only visible.md", files)
	}
}

func TestExtensionSetNormalizesDots(t *testing.T) {
	ingestExtensions = []string{"md", ".TXT"}
	defer func() { ingestExtensions = nil }()

	set := extensionSet()
	if !set[".md"] || !set[".txt"] {
		t.Fatalf("set = %v", set)
	}
}
