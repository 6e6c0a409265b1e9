// Package databricks serves a Databricks workspace directory as a
// fileio.FileIO so that working copies can edit remote files.
package databricks

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/databricks/databricks-sdk-go"
	"github.com/databricks/databricks-sdk-go/apierr"
	"github.com/databricks/databricks-sdk-go/client"
	"github.com/databricks/databricks-sdk-go/service/workspace"

	"docsync/internal/fileio"
	"docsync/internal/logging"
	"docsync/internal/metacache"
	"docsync/internal/pathutil"
	"docsync/internal/retry"
)

const (
	DefaultCacheTTL  = 60 * time.Second
	transferTimeout  = 5 * time.Minute
	objectInfoPath   = "/api/2.0/workspace-files/object-info"
	listFilesPath    = "/api/2.0/workspace-files/list-files"
	newFilesPath     = "/api/2.0/workspace-files/new-files"
	writeFilesPath   = "/api/2.0/workspace-files/write-files"
	importFilePrefix = "/api/2.0/workspace-files/import-file/"
)

type signedURL struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type wsfsObjectInfo struct {
	ObjectInfo workspace.ObjectInfo `json:"object_info"`
	SignedURL  *signedURL           `json:"signed_url,omitempty"`
}

type listFilesResponse struct {
	Objects []wsfsObjectInfo `json:"objects"`
}

type objectInfoResponse struct {
	WsfsObjectInfo wsfsObjectInfo `json:"wsfs_object_info"`
}

type newFilesResponse struct {
	SignedURLs []signedURL `json:"signed_urls"`
}

// remoteObject is what the metadata cache keeps per remote path.
type remoteObject struct {
	info workspace.ObjectInfo
	url  *signedURL
}

func (o remoteObject) isDir() bool {
	return o.info.ObjectType == workspace.ObjectTypeDirectory || o.info.ObjectType == workspace.ObjectTypeRepo
}

func (o remoteObject) isNotebook() bool {
	return o.info.ObjectType == workspace.ObjectTypeNotebook
}

// Options configures a Client.
type Options struct {
	// Root is the workspace directory served as resource "/".
	Root string
	// Readonly makes every stat report readonly and rejects writes.
	Readonly bool
	CacheTTL time.Duration
	Retry    retry.Config
}

// Client maps resources below Options.Root onto workspace objects.
type Client struct {
	workspace workspaceClient
	api       apiDoer
	transfer  *retry.HTTPClient
	cache     *metacache.Cache[remoteObject]
	root      string
	readonly  bool
}

var (
	_ fileio.FileIO    = (*Client)(nil)
	_ fileio.DirReader = (*Client)(nil)
)

func NewClient(w *databricks.WorkspaceClient, opts Options) (*Client, error) {
	apiClient, err := client.New(w.Config)
	if err != nil {
		return nil, err
	}
	return NewClientWithDeps(w.Workspace, apiClient, opts), nil
}

func NewClientWithDeps(ws workspaceClient, api apiDoer, opts Options) *Client {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Retry == (retry.Config{}) {
		opts.Retry = retry.DefaultConfig()
	}
	root := pathutil.Clean(opts.Root)
	return &Client{
		workspace: ws,
		api:       api,
		transfer:  retry.NewHTTPClient(transferTimeout, opts.Retry),
		cache:     metacache.New[remoteObject](opts.CacheTTL),
		root:      root,
		readonly:  opts.Readonly,
	}
}

// Root returns the workspace directory served as "/".
func (c *Client) Root() string {
	return c.root
}

// remotePath maps a resource to its workspace path. Notebooks lose their
// user-facing suffix.
func (c *Client) remotePath(resource string) string {
	return path.Join(c.root, pathutil.ToRemotePath(pathutil.Clean(resource)))
}

func (c *Client) toStat(resource string, obj remoteObject) fileio.FileStat {
	mtime := time.UnixMilli(obj.info.ModifiedAt)
	ctime := mtime
	if obj.info.CreatedAt != 0 {
		ctime = time.UnixMilli(obj.info.CreatedAt)
	}
	return fileio.FileStat{
		Resource:    resource,
		Name:        pathutil.Name(resource),
		Mtime:       mtime,
		Ctime:       ctime,
		Size:        obj.info.Size,
		ETag:        fileio.ETag(mtime, obj.info.Size),
		Readonly:    c.readonly,
		IsDirectory: obj.isDir(),
	}
}

func mapError(op, resource string, err error) error {
	var apiErr *apierr.APIError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, apierr.ErrResourceDoesNotExist), errors.Is(err, apierr.ErrNotFound):
		return &fileio.OperationError{Op: op, Resource: resource, Err: fmt.Errorf("%w: %w", fileio.ErrNotFound, err)}
	case errors.Is(err, apierr.ErrPermissionDenied):
		return &fileio.OperationError{Op: op, Resource: resource, Err: fmt.Errorf("%w: %w", fileio.ErrPermissionDenied, err)}
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
		return &fileio.OperationError{Op: op, Resource: resource, Err: fmt.Errorf("%w: %w", fileio.ErrNotFound, err)}
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden:
		return &fileio.OperationError{Op: op, Resource: resource, Err: fmt.Errorf("%w: %w", fileio.ErrPermissionDenied, err)}
	default:
		return &fileio.OperationError{Op: op, Resource: resource, Err: err}
	}
}

func (c *Client) lookup(ctx context.Context, resource string, useCache bool) (remoteObject, error) {
	remote := c.remotePath(resource)
	if useCache {
		obj, res := c.cache.Get(remote)
		switch res {
		case metacache.Hit:
			return obj, nil
		case metacache.Missing:
			return remoteObject{}, fileio.Failure("stat", resource, fileio.ErrNotFound)
		}
	}

	var resp objectInfoResponse
	urlPath := fmt.Sprintf("%s?path=%s", objectInfoPath, url.QueryEscape(remote))
	if err := c.api.Do(ctx, http.MethodGet, urlPath, nil, nil, nil, &resp); err != nil {
		mapped := mapError("stat", resource, err)
		if errors.Is(mapped, fileio.ErrNotFound) {
			c.cache.SetMissing(remote)
		}
		return remoteObject{}, mapped
	}

	obj := remoteObject{info: resp.WsfsObjectInfo.ObjectInfo, url: resp.WsfsObjectInfo.SignedURL}
	c.cache.Set(remote, obj)
	return obj, nil
}

func (c *Client) Stat(ctx context.Context, resource string) (fileio.FileStat, error) {
	resource = pathutil.Clean(resource)
	if err := ctx.Err(); err != nil {
		return fileio.FileStat{}, err
	}
	obj, err := c.lookup(ctx, resource, true)
	if err != nil {
		return fileio.FileStat{}, err
	}
	return c.toStat(resource, obj), nil
}

func (c *Client) ReadFile(ctx context.Context, resource string, opts fileio.ReadOptions) (fileio.Content, error) {
	resource = pathutil.Clean(resource)
	if err := ctx.Err(); err != nil {
		return fileio.Content{}, err
	}
	obj, err := c.lookup(ctx, resource, true)
	if err != nil {
		return fileio.Content{}, err
	}
	stat := c.toStat(resource, obj)
	if stat.IsDirectory {
		return fileio.Content{}, fileio.Failure("read", resource, fileio.ErrIsDirectory)
	}
	if opts.ETag != fileio.ETagDisabled && opts.ETag == stat.ETag {
		return fileio.Content{}, fileio.NotModified(resource, stat)
	}
	if opts.Limits.Size > 0 && stat.Size > opts.Limits.Size {
		return fileio.Content{}, fileio.Failure("read", resource, fileio.ErrTooLarge)
	}

	data, err := c.download(ctx, resource, obj)
	if err != nil {
		return fileio.Content{}, err
	}
	if opts.Limits.Size > 0 && int64(len(data)) > opts.Limits.Size {
		return fileio.Content{}, fileio.Failure("read", resource, fileio.ErrTooLarge)
	}
	return fileio.Content{Stat: stat, Value: data}, nil
}

func (c *Client) download(ctx context.Context, resource string, obj remoteObject) ([]byte, error) {
	if obj.url != nil && obj.url.URL != "" {
		data, err := c.transfer.Get(ctx, obj.url.URL, obj.url.Headers)
		if err == nil {
			logging.Debugf("Read via signed URL succeeded for path: %s", obj.info.Path)
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.Debugf("Read via signed URL failed for path: %s, falling back to Export: %v", obj.info.Path, err)
	}

	format := workspace.ExportFormatSource
	if obj.isNotebook() {
		format = workspace.ExportFormatJupyter
	}
	resp, err := c.workspace.Export(ctx, workspace.ExportRequest{
		Path:   obj.info.Path,
		Format: format,
	})
	if err != nil {
		return nil, mapError("read", resource, err)
	}
	data, err := base64.StdEncoding.DecodeString(resp.Content)
	if err != nil {
		return nil, fileio.Failure("read", resource, fmt.Errorf("decode export: %w", err))
	}
	return data, nil
}

// WriteFile re-stats the remote object, bypassing the cache, and refuses
// the write with ErrModifiedSince when it changed since opts describe.
// Workspace objects carry no write lock, so opts.Unlock has no effect.
func (c *Client) WriteFile(ctx context.Context, resource string, data []byte, opts fileio.WriteOptions) (fileio.FileStat, error) {
	resource = pathutil.Clean(resource)
	if err := ctx.Err(); err != nil {
		return fileio.FileStat{}, err
	}
	if c.readonly {
		return fileio.FileStat{}, fileio.Failure("write", resource, fileio.ErrPermissionDenied)
	}

	remote := c.remotePath(resource)
	c.cache.Invalidate(remote)
	current, err := c.lookup(ctx, resource, false)
	switch {
	case err == nil:
		if current.isDir() {
			return fileio.FileStat{}, fileio.Failure("write", resource, fileio.ErrIsDirectory)
		}
		if fileio.IsModifiedSince(c.toStat(resource, current), opts) {
			return fileio.FileStat{}, fileio.Failure("write", resource, fileio.ErrModifiedSince)
		}
	case !errors.Is(err, fileio.ErrNotFound):
		return fileio.FileStat{}, err
	}

	if pathutil.HasNotebookSuffix(resource) {
		err = c.importNotebook(ctx, remote, data)
	} else {
		err = c.upload(ctx, remote, data)
	}
	c.cache.Invalidate(remote)
	if err != nil {
		return fileio.FileStat{}, mapError("write", resource, err)
	}

	obj, err := c.lookup(ctx, resource, false)
	if err != nil {
		return fileio.FileStat{}, err
	}
	return c.toStat(resource, obj), nil
}

func (c *Client) importNotebook(ctx context.Context, remote string, data []byte) error {
	return c.workspace.Import(ctx, workspace.Import{
		Path:      remote,
		Content:   base64.StdEncoding.EncodeToString(data),
		Format:    workspace.ImportFormatJupyter,
		Overwrite: true,
	})
}

// upload tries new-files, then write-files, then import-file.
func (c *Client) upload(ctx context.Context, remote string, data []byte) error {
	err := c.writeViaNewFiles(ctx, remote, data)
	if err == nil {
		logging.Debugf("Write via new-files succeeded for path: %s", remote)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	logging.Debugf("Write via new-files failed for path: %s, trying write-files: %v", remote, err)

	err = c.writeViaWriteFiles(ctx, remote, data)
	if err == nil {
		logging.Debugf("Write via write-files succeeded for path: %s", remote)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	logging.Debugf("Write via write-files failed for path: %s, falling back to import-file: %v", remote, err)

	urlPath := fmt.Sprintf("%s%s?overwrite=true", importFilePrefix, url.PathEscape(strings.TrimLeft(remote, "/")))
	return c.api.Do(ctx, http.MethodPost, urlPath, nil, nil, data, nil)
}

func (c *Client) writeViaNewFiles(ctx context.Context, remote string, data []byte) error {
	reqBody := map[string]any{
		"path":    remote,
		"content": base64.StdEncoding.EncodeToString(data),
	}
	var resp newFilesResponse
	if err := c.api.Do(ctx, http.MethodPost, newFilesPath, nil, nil, reqBody, &resp); err != nil {
		return err
	}
	if len(resp.SignedURLs) == 0 {
		return errors.New("no signed URL returned")
	}
	target := resp.SignedURLs[0]
	return c.transfer.Put(ctx, target.URL, target.Headers, data)
}

func (c *Client) writeViaWriteFiles(ctx context.Context, remote string, data []byte) error {
	reqBody := map[string]any{
		"files": []map[string]any{
			{
				"path":      remote,
				"content":   base64.StdEncoding.EncodeToString(data),
				"overwrite": true,
			},
		},
	}
	return c.api.Do(ctx, http.MethodPost, writeFilesPath, nil, nil, reqBody, nil)
}

// ReadDir lists a workspace directory. Listed children are cached so that
// the stats which usually follow a listing are served locally.
func (c *Client) ReadDir(ctx context.Context, resource string) ([]fileio.FileStat, error) {
	resource = pathutil.Clean(resource)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var resp listFilesResponse
	urlPath := fmt.Sprintf("%s?path=%s", listFilesPath, url.QueryEscape(c.remotePath(resource)))
	if err := c.api.Do(ctx, http.MethodGet, urlPath, nil, nil, nil, &resp); err != nil {
		return nil, mapError("readdir", resource, err)
	}

	stats := make([]fileio.FileStat, 0, len(resp.Objects))
	for _, o := range resp.Objects {
		obj := remoteObject{info: o.ObjectInfo, url: o.SignedURL}
		name := pathutil.ToFuseName(path.Base(o.ObjectInfo.Path), obj.isNotebook())
		child, err := pathutil.ChildPath(resource, name)
		if err != nil {
			logging.Warnf("Skipping invalid workspace entry %q: %v", o.ObjectInfo.Path, err)
			continue
		}
		c.cache.Set(c.remotePath(child), obj)
		stats = append(stats, c.toStat(child, obj))
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Name < stats[j].Name
	})
	return stats, nil
}
