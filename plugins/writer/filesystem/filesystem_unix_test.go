//go:build !windows

package filesystem

import (
	"testing"

	"vdsync/pkg/contract"
)

// TestMapPathInvalidUnix Unix 路径校验
func TestMapPathInvalidUnix(t *testing.T) {
	w, _ := New(&Options{OutputDir: t.TempDir()})
	for _, name := range []string{"/abs", "..", "."} {
		if _, err := w.mapPath(name); err != contract.ErrPathInvalid {
			t.Fatalf("name %s expect invalid", name)
		}
	}
}
