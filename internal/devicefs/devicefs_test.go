package devicefs

import (
	"os"
	"strings"
	"testing"

	"github.com/monisens/monisens/pkg/merrors"
)

func TestCreateTreeAndWriteModule(t *testing.T) {
	root := t.TempDir()
	tree := New(root)

	if err := tree.CreateTree(1, "foo_box"); err != nil {
		t.Fatalf("CreateTree() error = %v", err)
	}
	if !tree.Exists(1, "foo_box") {
		t.Fatal("Exists() = false after CreateTree")
	}

	path, err := tree.WriteModule(1, "foo_box", strings.NewReader("fake-shared-lib"))
	if err != nil {
		t.Fatalf("WriteModule() error = %v", err)
	}
	if !strings.HasSuffix(path, ModuleFileName()) {
		t.Errorf("WriteModule() path = %q, want suffix %q", path, ModuleFileName())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "fake-shared-lib" {
		t.Errorf("module file content = %q", data)
	}
}

func TestWriteModuleAlreadyExists(t *testing.T) {
	root := t.TempDir()
	tree := New(root)
	tree.CreateTree(1, "foo_box")

	if _, err := tree.WriteModule(1, "foo_box", strings.NewReader("a")); err != nil {
		t.Fatalf("first WriteModule() error = %v", err)
	}
	_, err := tree.WriteModule(1, "foo_box", strings.NewReader("b"))
	if merrors.KindOf(err) != merrors.KindAlreadyExists {
		t.Fatalf("second WriteModule() error = %v, want KindAlreadyExists", err)
	}
}

func TestRemoveTree(t *testing.T) {
	root := t.TempDir()
	tree := New(root)
	tree.CreateTree(2, "bar")

	if err := tree.RemoveTree(2, "bar"); err != nil {
		t.Fatalf("RemoveTree() error = %v", err)
	}
	if tree.Exists(2, "bar") {
		t.Error("Exists() = true after RemoveTree")
	}
}
