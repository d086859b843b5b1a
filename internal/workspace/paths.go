package workspace

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/openelevo/elevo/internal/apperr"
)

// Resolve maps a client-supplied path to an absolute path inside the
// workspace root. Every file operation goes through here; there are no
// privileged bypasses.
//
// The path is interpreted as relative to the root even when it begins with
// "/", lexically normalized, and rejected when it would escape the root,
// either lexically (".." components left after cleaning) or through a
// symlink whose target resolves outside the root.
func Resolve(root, path string) (string, error) {
	rel := strings.TrimPrefix(path, "/")
	rel = filepath.Clean(rel)
	if rel == "." {
		rel = ""
	}

	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", apperr.New(apperr.Forbidden, "path %q escapes the workspace", path)
	}

	abs := filepath.Join(root, rel)
	if !within(root, abs) {
		return "", apperr.New(apperr.Forbidden, "path %q escapes the workspace", path)
	}

	// Walk the existing prefix through the symlink resolver. The final
	// component may not exist yet (writes, mkdir); its parent must still
	// land inside the root once links are chased.
	if err := checkSymlinks(root, abs); err != nil {
		return "", err
	}
	return abs, nil
}

func checkSymlinks(root, abs string) error {
	dir := abs
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			rootResolved, rerr := filepath.EvalSymlinks(root)
			if rerr != nil {
				rootResolved = root
			}
			if !within(rootResolved, resolved) {
				return apperr.New(apperr.Forbidden, "path resolves outside the workspace")
			}
			return nil
		}
		if !os.IsNotExist(err) {
			return apperr.Wrap(apperr.Internal, err, "resolve path")
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
}

func within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
