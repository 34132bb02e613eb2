// Package devicefs manages the per-device directory tree on disk:
// <root>/device/<id>-<name>/{module,data}. It never clobbers an existing
// module file and never silently creates a device directory a caller didn't
// ask for.
package devicefs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/monisens/monisens/pkg/merrors"
	"github.com/monisens/monisens/pkg/models"
)

// moduleBaseName is "lib" + the platform-specific shared library extension,
// resolved per build target in ext_*.go.
const moduleBaseName = "lib"

// Tree resolves and manipulates the on-disk layout rooted at a data
// directory supplied at construction (the CLI/env-resolved data root).
type Tree struct {
	root string
}

// New returns a Tree rooted at dataRoot.
func New(dataRoot string) *Tree {
	return &Tree{root: dataRoot}
}

// Root returns the data root this tree is rooted at.
func (t *Tree) Root() string { return t.root }

// dirName builds the stable "<id>-<name>" directory name for a device.
func dirName(id models.DeviceID, name string) string {
	return fmt.Sprintf("%d-%s", id, name)
}

// DeviceDir returns the device's directory, relative to the data root.
func DeviceDir(id models.DeviceID, name string) string {
	return filepath.Join("device", dirName(id, name))
}

// ModuleDir returns the device's module subdirectory, relative to the data
// root.
func ModuleDir(id models.DeviceID, name string) string {
	return filepath.Join(DeviceDir(id, name), "module")
}

// DataDir returns the device's data subdirectory, relative to the data root.
func DataDir(id models.DeviceID, name string) string {
	return filepath.Join(DeviceDir(id, name), "data")
}

// ModuleFileName is the fixed shared-library file name within ModuleDir.
func ModuleFileName() string {
	return moduleBaseName + moduleExt
}

// abs joins a root-relative path against the tree's data root.
func (t *Tree) abs(relPath string) string {
	return filepath.Join(t.root, relPath)
}

// ModuleFilePath returns the absolute path to a device's module file.
func (t *Tree) ModuleFilePath(id models.DeviceID, name string) string {
	return filepath.Join(t.abs(ModuleDir(id, name)), ModuleFileName())
}

// CreateTree creates the module/ and data/ subdirectories for a device.
func (t *Tree) CreateTree(id models.DeviceID, name string) error {
	for _, rel := range []string{ModuleDir(id, name), DataDir(id, name)} {
		if err := os.MkdirAll(t.abs(rel), 0o755); err != nil {
			return merrors.IOErrorf(err, "create directory %s", rel)
		}
	}
	return nil
}

// WriteModule streams src into the device's module file. It fails with
// KindAlreadyExists if the file is already present -- a module file is
// never clobbered.
func (t *Tree) WriteModule(id models.DeviceID, name string, src io.Reader) (string, error) {
	path := t.ModuleFilePath(id, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return "", merrors.AlreadyExistsf("module file already exists at %s", path)
		}
		return "", merrors.IOErrorf(err, "create module file %s", path)
	}
	defer f.Close()

	if _, err := io.Copy(f, src); err != nil {
		return "", merrors.IOErrorf(err, "write module file %s", path)
	}
	return path, nil
}

// RemoveTree removes a device's entire directory tree.
func (t *Tree) RemoveTree(id models.DeviceID, name string) error {
	dir := t.abs(DeviceDir(id, name))
	if err := os.RemoveAll(dir); err != nil {
		return merrors.IOErrorf(err, "remove directory %s", dir)
	}
	return nil
}

// Exists reports whether a device's directory is present on disk.
func (t *Tree) Exists(id models.DeviceID, name string) bool {
	_, err := os.Stat(t.abs(DeviceDir(id, name)))
	return err == nil
}
