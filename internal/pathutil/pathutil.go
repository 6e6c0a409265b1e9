// Package pathutil centralizes resource path handling.
//
// docsync identifies every document by a resource path: a slash-separated,
// slash-rooted, cleaned path relative to the workspace root (for example
// "/notes/todo.md"). The remote backend additionally maps notebooks between
// their user-facing ".ipynb" name and the remote object path.
package pathutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
)

// NotebookSuffix is the file extension added to remote notebooks.
const NotebookSuffix = ".ipynb"

// TempPrefix marks in-flight atomic write files. Watchers ignore them.
const TempPrefix = ".docsync-"

// Clean normalizes a resource path to its slash-rooted canonical form.
func Clean(resource string) string {
	resource = strings.ReplaceAll(resource, "\\", "/")
	return path.Clean("/" + resource)
}

// Key returns a stable, file-name safe key for a resource.
func Key(resource string) string {
	sum := sha256.Sum256([]byte(Clean(resource)))
	return hex.EncodeToString(sum[:])
}

// Name returns the last element of the resource path.
func Name(resource string) string {
	return path.Base(Clean(resource))
}

// IsTempName reports whether name belongs to an in-flight atomic write.
func IsTempName(name string) bool {
	return strings.HasPrefix(path.Base(name), TempPrefix)
}

// ChildPath validates childName and joins it onto parent.
// Names containing separators or traversal sequences are rejected.
func ChildPath(parent, childName string) (string, error) {
	if strings.Contains(childName, "/") || strings.Contains(childName, "\\") {
		return "", fmt.Errorf("invalid child name: contains path separator")
	}
	if childName == "" || childName == "." || childName == ".." {
		return "", fmt.Errorf("invalid child name: %q", childName)
	}

	cleanParent := Clean(parent)
	child := path.Join(cleanParent, childName)
	if cleanParent == "/" {
		if child == "/" {
			return "", fmt.Errorf("path traversal detected")
		}
	} else if !strings.HasPrefix(child, cleanParent+"/") {
		return "", fmt.Errorf("path traversal detected")
	}
	return child, nil
}

// ToRemotePath strips the notebook suffix from a user-facing path.
func ToRemotePath(fusePath string) string {
	return strings.TrimSuffix(fusePath, NotebookSuffix)
}

// ToFuseName converts a remote name to a user-facing name.
func ToFuseName(remoteName string, isNotebook bool) string {
	if isNotebook {
		return remoteName + NotebookSuffix
	}
	return remoteName
}

// HasNotebookSuffix checks if a path has the .ipynb suffix
func HasNotebookSuffix(path string) bool {
	return strings.HasSuffix(path, NotebookSuffix)
}
