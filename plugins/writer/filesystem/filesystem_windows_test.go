//go:build windows

package filesystem

import (
	"testing"

	"vdsync/pkg/contract"
)

// TestMapPathInvalidWindows Windows 路径校验
func TestMapPathInvalidWindows(t *testing.T) {
	w, _ := New(&Options{OutputDir: t.TempDir()})
	for _, name := range []string{"C:\\abs", "..", "."} {
		if _, err := w.mapPath(name); err != contract.ErrPathInvalid {
			t.Fatalf("name %s expect invalid", name)
		}
	}
}
