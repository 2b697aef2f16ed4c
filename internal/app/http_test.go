package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deploytrail/deploytrail/internal/gitlabapi"
	"github.com/deploytrail/deploytrail/internal/timeline"
)

type fakeGitLab struct {
	mu sync.Mutex

	project    gitlabapi.Project
	projectErr error

	tags       []gitlabapi.Tag
	tagsErr    error
	tagsByName map[string]gitlabapi.Tag

	branches    []gitlabapi.Branch
	branchesErr error

	comparisons map[string]gitlabapi.Comparison
	compareErr  error

	commits map[string]gitlabapi.Commit

	compareCalls int
	branchCalls  int
	tagListCalls int
}

func (f *fakeGitLab) GetProject(context.Context, string, string) (gitlabapi.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.projectErr != nil {
		return gitlabapi.Project{}, f.projectErr
	}
	return f.project, nil
}

func (f *fakeGitLab) ListTags(context.Context, string, int) ([]gitlabapi.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagListCalls++
	if f.tagsErr != nil {
		return nil, f.tagsErr
	}
	return f.tags, nil
}

func (f *fakeGitLab) GetTag(_ context.Context, _ string, _ int, name string) (gitlabapi.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tag, ok := f.tagsByName[name]
	if !ok {
		return gitlabapi.Tag{}, fmt.Errorf("tag %q not found", name)
	}
	return tag, nil
}

func (f *fakeGitLab) ListBranches(context.Context, string, int, string) ([]gitlabapi.Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branchCalls++
	if f.branchesErr != nil {
		return nil, f.branchesErr
	}
	return f.branches, nil
}

func (f *fakeGitLab) CompareRefs(_ context.Context, _ string, _ int, from, to string) (gitlabapi.Comparison, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compareCalls++
	if f.compareErr != nil {
		return gitlabapi.Comparison{}, f.compareErr
	}
	return f.comparisons[from+".."+to], nil
}

func (f *fakeGitLab) GetCommit(_ context.Context, _ string, _ int, sha string) (gitlabapi.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	commit, ok := f.commits[sha]
	if !ok {
		return gitlabapi.Commit{}, fmt.Errorf("commit %q not found", sha)
	}
	return commit, nil
}

func newTestRuntime(api GitLabAPI) *Runtime {
	return NewRuntimeWithDeps(nil, api, nil, nil, nil)
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decodeBody(t, rec, &body)
	return body["error"]
}

// twoDeploymentsFake builds upstream data for two deployments where the
// second one shipped a single merge referencing one ticket and one MR.
func twoDeploymentsFake() *fakeGitLab {
	first := gitlabapi.Tag{
		Name:   "prod_deploy_20240101-100000",
		Commit: gitlabapi.TagCommit{ID: "commit-baseline"},
	}
	second := gitlabapi.Tag{
		Name:   "prod_deploy_20240115-100000",
		Commit: gitlabapi.TagCommit{ID: "commit-release"},
	}
	merge := gitlabapi.Commit{
		ID:        "merge-1",
		Title:     "Merge branch 'feature/PSS-123' into 'main'",
		Message:   "Merge branch 'feature/PSS-123' into 'main'\n\nSee merge request group/proj!42",
		ParentIDs: []string{"p1", "p2"},
	}
	return &fakeGitLab{
		tags: []gitlabapi.Tag{first, second},
		tagsByName: map[string]gitlabapi.Tag{
			first.Name:  first,
			second.Name: second,
		},
		comparisons: map[string]gitlabapi.Comparison{
			first.Name + ".." + second.Name: {Commits: []gitlabapi.Commit{merge}},
		},
		commits: map[string]gitlabapi.Commit{"merge-1": merge},
	}
}

func timelineBody() map[string]any {
	return map[string]any{
		"gitlabHost":  "gitlab.example.com",
		"projectId":   42,
		"environment": "prod",
		"jobType":     "deploy",
		"jiraRegex":   "PSS-d+",
	}
}

func TestHandleTimelineMissingParameters(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(&fakeGitLab{})
	handler := runtime.Handler()

	body := timelineBody()
	delete(body, "environment")
	rec := postJSON(t, handler, "/api/timeline", body)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	want := "Missing required parameters. Please provide gitlabHost, projectId, environment, jobType, and jiraRegex"
	if got := errorMessage(t, rec); got != want {
		t.Fatalf("error = %q, want %q", got, want)
	}
}

func TestHandleTimelineBadJSON(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(&fakeGitLab{})
	req := httptest.NewRequest(http.MethodPost, "/api/timeline", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	runtime.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleTimelineBuildsMostRecentFirst(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(twoDeploymentsFake())
	handler := runtime.Handler()

	rec := postJSON(t, handler, "/api/timeline", timelineBody())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "max-age=300, stale-while-revalidate=600" {
		t.Fatalf("Cache-Control = %q", cc)
	}

	var response struct {
		Timeline         *timeline.DeploymentTimeline `json:"timeline"`
		Cached           bool                         `json:"cached"`
		RefreshCompleted bool                         `json:"refreshCompleted"`
	}
	decodeBody(t, rec, &response)

	if response.Cached {
		t.Fatal("first response reported cached data")
	}
	if !response.RefreshCompleted {
		t.Fatal("first response missing refreshCompleted")
	}

	items := response.Timeline.Items()
	if len(items) != 2 {
		t.Fatalf("timeline has %d items, want 2", len(items))
	}
	if items[0].Tag != "prod_deploy_20240115-100000" {
		t.Fatalf("first item = %q, want most recent deployment", items[0].Tag)
	}
	if len(items[0].Tickets) != 1 || items[0].Tickets[0] != "PSS-123" {
		t.Fatalf("tickets = %v, want [PSS-123]", items[0].Tickets)
	}
	if len(items[0].MRIDs) != 1 || items[0].MRIDs[0] != "42" {
		t.Fatalf("mrIds = %v, want [42]", items[0].MRIDs)
	}
	if items[0].CommitID != "commit-release" {
		t.Fatalf("commitId = %q, want commit-release", items[0].CommitID)
	}
	if items[1].Tag != "prod_deploy_20240101-100000" {
		t.Fatalf("baseline item = %q", items[1].Tag)
	}
	if len(items[1].Tickets) != 0 || len(items[1].MRIDs) != 0 {
		t.Fatalf("baseline item must have empty sets, got %v / %v", items[1].Tickets, items[1].MRIDs)
	}
}

func TestHandleTimelineSecondRequestServedFromCache(t *testing.T) {
	t.Parallel()

	fake := twoDeploymentsFake()
	runtime := newTestRuntime(fake)
	handler := runtime.Handler()

	first := postJSON(t, handler, "/api/timeline", timelineBody())
	if first.Code != http.StatusOK {
		t.Fatalf("warmup status = %d", first.Code)
	}

	second := postJSON(t, handler, "/api/timeline", timelineBody())
	if second.Code != http.StatusOK {
		t.Fatalf("status = %d", second.Code)
	}
	if cc := second.Header().Get("Cache-Control"); cc != "" {
		t.Fatalf("cached response carries Cache-Control %q", cc)
	}

	var response struct {
		Cached   bool `json:"cached"`
		HitCount int  `json:"hitCount"`
	}
	decodeBody(t, second, &response)
	if !response.Cached {
		t.Fatal("second response not served from cache")
	}
	if response.HitCount != 2 {
		t.Fatalf("hitCount = %d, want 2", response.HitCount)
	}
	if fake.tagListCalls != 1 {
		t.Fatalf("ListTags called %d times, want 1", fake.tagListCalls)
	}
}

func TestHandleTimelineForceRefreshRebuilds(t *testing.T) {
	t.Parallel()

	fake := twoDeploymentsFake()
	runtime := newTestRuntime(fake)
	handler := runtime.Handler()

	_ = postJSON(t, handler, "/api/timeline", timelineBody())

	body := timelineBody()
	body["forceRefresh"] = true
	rec := postJSON(t, handler, "/api/timeline", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var response struct {
		Cached bool `json:"cached"`
	}
	decodeBody(t, rec, &response)
	if response.Cached {
		t.Fatal("force refresh served cached data")
	}
	if fake.tagListCalls != 2 {
		t.Fatalf("ListTags called %d times, want 2", fake.tagListCalls)
	}
}

func TestHandleTimelineUpstreamError(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(&fakeGitLab{tagsErr: errors.New("boom")})
	rec := postJSON(t, runtime.Handler(), "/api/timeline", timelineBody())

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := errorMessage(t, rec); got != "Error retrieving deployment timeline" {
		t.Fatalf("error = %q", got)
	}
}

func TestHandleCommitsFiltersToMerges(t *testing.T) {
	t.Parallel()

	fake := &fakeGitLab{
		comparisons: map[string]gitlabapi.Comparison{
			"abc..HEAD": {Commits: []gitlabapi.Commit{
				{ID: "plain", Title: "direct commit", ParentIDs: []string{"p1"}},
				{ID: "merge-1", Title: "Merge branch 'x'", ParentIDs: []string{"p1", "p2"}},
			}},
		},
	}
	runtime := newTestRuntime(fake)

	rec := postJSON(t, runtime.Handler(), "/api/commits", map[string]any{
		"gitlabHost": "gitlab.example.com",
		"projectId":  42,
		"fromCommit": "abc",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var response struct {
		Commits []commitSummary `json:"commits"`
	}
	decodeBody(t, rec, &response)
	if len(response.Commits) != 1 {
		t.Fatalf("got %d commits, want only the merge", len(response.Commits))
	}
	if response.Commits[0].Hash != "merge-1" || response.Commits[0].Message != "Merge branch 'x'" {
		t.Fatalf("commit = %+v", response.Commits[0])
	}
}

func TestHandleCommitsMemoized(t *testing.T) {
	t.Parallel()

	fake := &fakeGitLab{
		comparisons: map[string]gitlabapi.Comparison{
			"abc..HEAD": {Commits: []gitlabapi.Commit{}},
		},
	}
	runtime := newTestRuntime(fake)
	handler := runtime.Handler()
	body := map[string]any{"gitlabHost": "gitlab.example.com", "projectId": 42, "fromCommit": "abc"}

	_ = postJSON(t, handler, "/api/commits", body)
	_ = postJSON(t, handler, "/api/commits", body)

	if fake.compareCalls != 1 {
		t.Fatalf("CompareRefs called %d times, want 1", fake.compareCalls)
	}
}

func TestHandleCommitsUpstreamError(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(&fakeGitLab{compareErr: errors.New("boom")})
	rec := postJSON(t, runtime.Handler(), "/api/commits", map[string]any{
		"gitlabHost": "gitlab.example.com",
		"projectId":  42,
	})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := errorMessage(t, rec); got != "Error fetching commits. Please check your inputs and try again." {
		t.Fatalf("error = %q", got)
	}
}

func TestHandleTicketsRequiresRegex(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(&fakeGitLab{})
	rec := postJSON(t, runtime.Handler(), "/api/tickets", map[string]any{
		"gitlabHost": "gitlab.example.com",
		"projectId":  42,
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := errorMessage(t, rec); got != "No Jira regex provided" {
		t.Fatalf("error = %q", got)
	}
}

func TestHandleTicketsExtractsPerCommit(t *testing.T) {
	t.Parallel()

	merge := gitlabapi.Commit{
		ID:        "merge-1",
		Message:   "Merge branch 'feature/PSS-7'\n\nSee merge request group/proj!9",
		ParentIDs: []string{"p1", "p2"},
	}
	fake := &fakeGitLab{
		comparisons: map[string]gitlabapi.Comparison{
			"abc..HEAD": {Commits: []gitlabapi.Commit{merge}},
		},
		commits: map[string]gitlabapi.Commit{"merge-1": merge},
	}
	runtime := newTestRuntime(fake)

	rec := postJSON(t, runtime.Handler(), "/api/tickets", map[string]any{
		"gitlabHost": "gitlab.example.com",
		"projectId":  42,
		"fromCommit": "abc",
		"jiraRegex":  "PSS-d+",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var response struct {
		TicketInfo map[string]timeline.TicketInfo `json:"ticketInfo"`
	}
	decodeBody(t, rec, &response)
	info, ok := response.TicketInfo["merge-1"]
	if !ok {
		t.Fatalf("no ticket info for merge-1, body %s", rec.Body.String())
	}
	if len(info.Tickets) != 1 || info.Tickets[0] != "PSS-7" {
		t.Fatalf("tickets = %v, want [PSS-7]", info.Tickets)
	}
	if len(info.MRIDs) != 1 || info.MRIDs[0] != "9" {
		t.Fatalf("mrIds = %v, want [9]", info.MRIDs)
	}
}

func TestHandleRefsCombinesTagsAndBranches(t *testing.T) {
	t.Parallel()

	fake := &fakeGitLab{
		tags: []gitlabapi.Tag{{Name: "prod_deploy_20240101-100000"}},
		branches: []gitlabapi.Branch{
			{Name: "main"},
			{Name: "release/1.0"},
		},
	}
	runtime := newTestRuntime(fake)
	handler := runtime.Handler()
	body := map[string]any{"gitlabHost": "gitlab.example.com", "projectId": 42}

	rec := postJSON(t, handler, "/api/refs", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var response refsResponse
	decodeBody(t, rec, &response)
	if response.Counts.Tags != 1 || response.Counts.Branches != 2 || response.Counts.Total != 3 {
		t.Fatalf("counts = %+v", response.Counts)
	}
	if response.Cached {
		t.Fatal("first refs response reported cached")
	}
	if len(response.TagsAndBranches) != 3 {
		t.Fatalf("refs = %v", response.TagsAndBranches)
	}

	second := postJSON(t, handler, "/api/refs", body)
	var cached refsResponse
	decodeBody(t, second, &cached)
	if !cached.Cached {
		t.Fatal("second refs response not served from cache")
	}
	if fake.tagListCalls != 1 {
		t.Fatalf("ListTags called %d times, want 1", fake.tagListCalls)
	}
}

func TestHandleRefsUpstreamError(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(&fakeGitLab{branchesErr: errors.New("boom")})
	rec := postJSON(t, runtime.Handler(), "/api/refs", map[string]any{
		"gitlabHost": "gitlab.example.com",
		"projectId":  42,
	})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := errorMessage(t, rec); got != "Error retrieving tags and branches." {
		t.Fatalf("error = %q", got)
	}
}

func TestHandleBranchesFiltersAndSorts(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)
	fake := &fakeGitLab{
		branches: []gitlabapi.Branch{
			{Name: "release/1.0", Commit: gitlabapi.TagCommit{CommittedDate: base}},
			{Name: "main", Commit: gitlabapi.TagCommit{CommittedDate: base.Add(2 * time.Hour)}},
			{Name: "env/prod", Commit: gitlabapi.TagCommit{CommittedDate: base.Add(time.Hour)}},
			{Name: "feature/PSS-1", Commit: gitlabapi.TagCommit{CommittedDate: base.Add(3 * time.Hour)}},
		},
	}
	runtime := newTestRuntime(fake)

	rec := postJSON(t, runtime.Handler(), "/api/branches", map[string]any{
		"gitlabHost": "gitlab.example.com",
		"projectId":  42,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var response struct {
		Message         string   `json:"message"`
		UpdatedBranches []string `json:"updatedBranches"`
	}
	decodeBody(t, rec, &response)
	if response.Message != "Branches fetched successfully via GitLab API." {
		t.Fatalf("message = %q", response.Message)
	}
	want := []string{"env/prod", "release/1.0"}
	if len(response.UpdatedBranches) != len(want) {
		t.Fatalf("branches = %v, want %v", response.UpdatedBranches, want)
	}
	for i := range want {
		if response.UpdatedBranches[i] != want[i] {
			t.Fatalf("branches = %v, want %v", response.UpdatedBranches, want)
		}
	}
}

func TestHandleBranchesServesRecentCache(t *testing.T) {
	t.Parallel()

	fake := &fakeGitLab{
		branches: []gitlabapi.Branch{{Name: "release/1.0"}},
	}
	runtime := newTestRuntime(fake)
	handler := runtime.Handler()
	body := map[string]any{"gitlabHost": "gitlab.example.com", "projectId": 42}

	_ = postJSON(t, handler, "/api/branches", body)
	rec := postJSON(t, handler, "/api/branches", body)

	var response struct {
		Message string `json:"message"`
	}
	decodeBody(t, rec, &response)
	if response.Message != "Branches were recently updated. Skipping update. Serving cached branches." {
		t.Fatalf("message = %q", response.Message)
	}
	if fake.branchCalls != 1 {
		t.Fatalf("ListBranches called %d times, want 1", fake.branchCalls)
	}
}

func TestHandleBranchesUpstreamError(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(&fakeGitLab{branchesErr: errors.New("boom")})
	rec := postJSON(t, runtime.Handler(), "/api/branches", map[string]any{
		"gitlabHost": "gitlab.example.com",
		"projectId":  42,
	})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := errorMessage(t, rec); got != "Error fetching branches. Please check your GitLab host and project ID." {
		t.Fatalf("error = %q", got)
	}
}

func TestHandleRepositoryResolvesProject(t *testing.T) {
	t.Parallel()

	fake := &fakeGitLab{
		project: gitlabapi.Project{ID: 42, PathWithNamespace: "group/proj", DefaultBranch: "main"},
	}
	runtime := newTestRuntime(fake)

	rec := postJSON(t, runtime.Handler(), "/api/repository", map[string]any{
		"gitlabHost": "gitlab.example.com",
		"repository": "group/proj",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var response struct {
		ProjectID     int    `json:"projectId"`
		ProjectPath   string `json:"projectPath"`
		DefaultBranch string `json:"defaultBranch"`
	}
	decodeBody(t, rec, &response)
	if response.ProjectID != 42 || response.ProjectPath != "group/proj" || response.DefaultBranch != "main" {
		t.Fatalf("response = %+v", response)
	}
}

func TestHandleRepositoryUpstreamError(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(&fakeGitLab{projectErr: errors.New("401")})
	rec := postJSON(t, runtime.Handler(), "/api/repository", map[string]any{
		"gitlabHost": "gitlab.example.com",
		"repository": "group/proj",
	})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	want := "Error accessing repository. Please check your GitLab host, repository path, and API token."
	if got := errorMessage(t, rec); got != want {
		t.Fatalf("error = %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(twoDeploymentsFake())
	handler := runtime.Handler()

	_ = postJSON(t, handler, "/api/timeline", timelineBody())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "deploytrail_cache_rebuilds_total") {
		t.Fatal("metrics output missing cache rebuild counter")
	}
}

func TestCurrentStatusDegradesAfterUpstreamFailures(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(&fakeGitLab{tagsErr: errors.New("boom")})
	handler := runtime.Handler()

	for i := 0; i < upstreamFailureThreshold; i++ {
		body := timelineBody()
		body["forceRefresh"] = true
		_ = postJSON(t, handler, "/api/timeline", body)
	}

	status := runtime.CurrentStatus(context.Background())
	if status.Mode != "degraded" {
		t.Fatalf("mode = %q, want degraded after repeated upstream failures", status.Mode)
	}
	if !status.Ready {
		t.Fatal("upstream failures must not fail readiness")
	}
}

func TestCurrentStatusUnhealthyWhenStorePingFails(t *testing.T) {
	t.Parallel()

	ping := func(context.Context) error { return errors.New("connection refused") }
	runtime := NewRuntimeWithDeps(nil, &fakeGitLab{}, nil, ping, nil)

	status := runtime.CurrentStatus(context.Background())
	if status.Ready {
		t.Fatal("failed store ping must fail readiness")
	}
	if status.Mode != "unhealthy" {
		t.Fatalf("mode = %q, want unhealthy", status.Mode)
	}
}
