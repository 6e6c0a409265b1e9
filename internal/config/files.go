package config

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"docsync/internal/fileio"
	"docsync/internal/workingcopy"
)

// Files applies FilesConfig to resources.
type Files struct {
	cfg      FilesConfig
	readonly bool
}

var _ workingcopy.FilesConfiguration = (*Files)(nil)

// NewFiles returns the files policy of cfg.
func NewFiles(cfg *Config) *Files {
	return &Files{cfg: cfg.Files, readonly: cfg.Readonly}
}

func matchAny(patterns []string, resource string) bool {
	rel := strings.TrimPrefix(resource, "/")
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// IsReadonly reports readonly for resources matching readonlyInclude but
// not readonlyExclude, for write locked files with readonlyFromPermissions
// and whenever the file system itself reports readonly.
func (f *Files) IsReadonly(resource string, stat *fileio.FileStat) bool {
	if f.readonly {
		return true
	}
	if matchAny(f.cfg.ReadonlyInclude, resource) && !matchAny(f.cfg.ReadonlyExclude, resource) {
		return true
	}
	if stat == nil {
		return false
	}
	return stat.Readonly || (f.cfg.ReadonlyFromPermissions && stat.Locked)
}

func (f *Files) PreventSaveConflicts(resource string) bool {
	return f.cfg.PreventSaveConflicts && !matchAny(f.cfg.SaveConflictIgnore, resource)
}
