// Package backup stores crash-recovery snapshots of unsaved documents.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrCorrupt marks a backup whose metadata failed validation.
var ErrCorrupt = errors.New("corrupt backup")

// Meta is the file metadata captured alongside a backup.
type Meta struct {
	Mtime    time.Time
	Ctime    time.Time
	Size     int64
	ETag     string
	Orphaned bool
}

type metaJSON struct {
	Mtime    int64  `json:"mtime"`
	Ctime    int64  `json:"ctime"`
	Size     int64  `json:"size"`
	ETag     string `json:"etag"`
	Orphaned bool   `json:"orphaned"`
}

func (m Meta) MarshalJSON() ([]byte, error) {
	return json.Marshal(metaJSON{
		Mtime:    unixMillis(m.Mtime),
		Ctime:    unixMillis(m.Ctime),
		Size:     m.Size,
		ETag:     m.ETag,
		Orphaned: m.Orphaned,
	})
}

func (m *Meta) UnmarshalJSON(data []byte) error {
	var raw metaJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Meta{
		Mtime:    fromUnixMillis(raw.Mtime),
		Ctime:    fromUnixMillis(raw.Ctime),
		Size:     raw.Size,
		ETag:     raw.ETag,
		Orphaned: raw.Orphaned,
	}
	return nil
}

// unixMillis encodes unknown (zero) and pre-epoch times as 0.
func unixMillis(t time.Time) int64 {
	if t.IsZero() || t.UnixMilli() < 0 {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Entry is a resolved backup.
type Entry struct {
	Resource string
	// Meta is nil when the document had never been read from disk.
	Meta    *Meta
	Content []byte
}

// Store persists backups keyed by resource.
type Store interface {
	// Resolve returns the backup for resource, or nil if there is none.
	Resolve(ctx context.Context, resource string) (*Entry, error)
	Backup(ctx context.Context, resource string, meta *Meta, content []byte) error
	Discard(ctx context.Context, resource string) error
	// List returns the resources that have a backup.
	List(ctx context.Context) ([]string, error)
	Close() error
}

const metaSchemaURL = "docsync://backup-meta.json"

const metaSchemaJSON = `{
	"type": "object",
	"required": ["mtime", "ctime", "size", "etag", "orphaned"],
	"properties": {
		"mtime": {"type": "integer", "minimum": 0},
		"ctime": {"type": "integer", "minimum": 0},
		"size": {"type": "integer", "minimum": 0},
		"etag": {"type": "string"},
		"orphaned": {"type": "boolean"}
	}
}`

var metaSchema = mustCompileMetaSchema()

func mustCompileMetaSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(metaSchemaJSON))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(metaSchemaURL, doc); err != nil {
		panic(err)
	}
	return c.MustCompile(metaSchemaURL)
}

func encodeMeta(meta *Meta) ([]byte, error) {
	if meta == nil {
		return []byte("null"), nil
	}
	return json.Marshal(meta)
}

// decodeMeta validates and decodes stored metadata. "null" decodes to nil.
func decodeMeta(data []byte) (*Meta, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := metaSchema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &meta, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
