package gitlabapi

import (
	"context"
	"net/http"
	"testing"
)

func urlCapturingClient(t *testing.T) (*Client, *capturingDoer) {
	t.Helper()
	doer := &capturingDoer{
		respond: func(*http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `{}`), nil
		},
	}
	return NewClient(doer, Config{}, nil), doer
}

func TestGetProjectEncodesRepositoryPath(t *testing.T) {
	t.Parallel()

	client, doer := urlCapturingClient(t)
	if _, err := client.GetProject(context.Background(), "gitlab.example.com", "group/sub/project"); err != nil {
		t.Fatalf("GetProject() unexpected error: %v", err)
	}

	want := "https://gitlab.example.com/api/v4/projects/group%2Fsub%2Fproject"
	if got := doer.requests[0].URL.String(); got != want {
		t.Fatalf("request url = %q, want %q", got, want)
	}
}

func TestGetTagEncodesTagName(t *testing.T) {
	t.Parallel()

	client, doer := urlCapturingClient(t)
	if _, err := client.GetTag(context.Background(), "gitlab.example.com", 42, "prod_deploy_20240131-120000"); err != nil {
		t.Fatalf("GetTag() unexpected error: %v", err)
	}

	want := "https://gitlab.example.com/api/v4/projects/42/repository/tags/prod_deploy_20240131-120000"
	if got := doer.requests[0].URL.String(); got != want {
		t.Fatalf("request url = %q, want %q", got, want)
	}
}

func TestCompareRefsEncodesBothRefs(t *testing.T) {
	t.Parallel()

	client, doer := urlCapturingClient(t)
	if _, err := client.CompareRefs(context.Background(), "gitlab.example.com", 7, "release/1.0", "release/1.1"); err != nil {
		t.Fatalf("CompareRefs() unexpected error: %v", err)
	}

	want := "https://gitlab.example.com/api/v4/projects/7/repository/compare?from=release%2F1.0&to=release%2F1.1"
	if got := doer.requests[0].URL.String(); got != want {
		t.Fatalf("request url = %q, want %q", got, want)
	}
}

func TestGetCommitPathEscapesSHA(t *testing.T) {
	t.Parallel()

	client, doer := urlCapturingClient(t)
	if _, err := client.GetCommit(context.Background(), "gitlab.example.com", 7, "abc123"); err != nil {
		t.Fatalf("GetCommit() unexpected error: %v", err)
	}

	want := "https://gitlab.example.com/api/v4/projects/7/repository/commits/abc123"
	if got := doer.requests[0].URL.String(); got != want {
		t.Fatalf("request url = %q, want %q", got, want)
	}
}
