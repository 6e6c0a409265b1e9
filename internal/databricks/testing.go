package databricks

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/databricks/databricks-sdk-go/service/workspace"
)

// MockWorkspaceClient is a test double for the typed workspace API.
type MockWorkspaceClient struct {
	ExportFunc func(ctx context.Context, request workspace.ExportRequest) (*workspace.ExportResponse, error)
	ImportFunc func(ctx context.Context, request workspace.Import) error
}

func (m *MockWorkspaceClient) Export(ctx context.Context, request workspace.ExportRequest) (*workspace.ExportResponse, error) {
	if m.ExportFunc != nil {
		return m.ExportFunc(ctx, request)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *MockWorkspaceClient) Import(ctx context.Context, request workspace.Import) error {
	if m.ImportFunc != nil {
		return m.ImportFunc(ctx, request)
	}
	return fmt.Errorf("not implemented")
}

// MockAPIClient is a test double for the raw REST client.
type MockAPIClient struct {
	DoFunc func(ctx context.Context, method, path string,
		headers map[string]string, queryParams map[string]any, request, response any,
		visitors ...func(*http.Request) error) error
}

func (m *MockAPIClient) Do(ctx context.Context, method, path string,
	headers map[string]string, queryParams map[string]any, request, response any,
	visitors ...func(*http.Request) error) error {
	if m.DoFunc != nil {
		return m.DoFunc(ctx, method, path, headers, queryParams, request, response, visitors...)
	}
	return fmt.Errorf("not implemented")
}

// NewTestObjectInfo builds workspace metadata for tests.
func NewTestObjectInfo(remotePath string, objectType workspace.ObjectType, size int64, modified time.Time) workspace.ObjectInfo {
	return workspace.ObjectInfo{
		Path:       remotePath,
		ObjectType: objectType,
		Size:       size,
		ModifiedAt: modified.UnixMilli(),
		CreatedAt:  modified.UnixMilli(),
	}
}
