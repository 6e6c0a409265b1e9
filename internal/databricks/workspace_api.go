package databricks

import (
	"context"
	"net/http"

	"github.com/databricks/databricks-sdk-go/service/workspace"
)

// apiDoer is the raw REST surface of the SDK client, used for the
// workspace-files endpoints the typed SDK does not cover.
type apiDoer interface {
	Do(ctx context.Context, method, path string,
		headers map[string]string, queryParams map[string]any, request, response any,
		visitors ...func(*http.Request) error) error
}

// workspaceClient is the subset of workspace.WorkspaceInterface in use.
type workspaceClient interface {
	Export(ctx context.Context, request workspace.ExportRequest) (*workspace.ExportResponse, error)
	Import(ctx context.Context, request workspace.Import) error
}
