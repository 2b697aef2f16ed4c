package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deploytrail/deploytrail/internal/cache"
	"github.com/deploytrail/deploytrail/internal/gitlabapi"
	"github.com/deploytrail/deploytrail/internal/health"
	"github.com/deploytrail/deploytrail/internal/telemetry"
	"github.com/deploytrail/deploytrail/internal/timeline"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// refSelectorBranchPattern filters the branch listing to deployable
// branch namespaces for the ref selector views.
var refSelectorBranchPattern = regexp.MustCompile(`^(?:env|val|int|release)/.*`)

type timelineRequest struct {
	GitLabHost   string `json:"gitlabHost"`
	ProjectID    int    `json:"projectId"`
	Environment  string `json:"environment"`
	JobType      string `json:"jobType"`
	JiraRegex    string `json:"jiraRegex"`
	ForceRefresh bool   `json:"forceRefresh"`
}

type timelineResponse struct {
	Timeline           *timeline.DeploymentTimeline `json:"timeline"`
	Cached             bool                         `json:"cached"`
	RefreshInProgress  bool                         `json:"refreshInProgress,omitempty"`
	RefreshCompleted   bool                         `json:"refreshCompleted,omitempty"`
	CacheAgeMillis     int64                        `json:"cacheAge,omitempty"`
	HitCount           int                          `json:"hitCount,omitempty"`
	CachedEntriesCount int                          `json:"cachedEntriesCount,omitempty"`
}

type rangeRequest struct {
	FromCommit string `json:"fromCommit"`
	ToCommit   string `json:"toCommit"`
	GitLabHost string `json:"gitlabHost"`
	ProjectID  int    `json:"projectId"`
	JiraRegex  string `json:"jiraRegex"`
}

type commitSummary struct {
	Hash    string `json:"hash"`
	Message string `json:"message"`
}

type projectRequest struct {
	GitLabHost string `json:"gitlabHost"`
	Repository string `json:"repository"`
	ProjectID  int    `json:"projectId"`
}

type refsResponse struct {
	TagsAndBranches []string   `json:"tagsAndBranches"`
	Cached          bool       `json:"cached"`
	Counts          refsCounts `json:"counts"`
}

type refsCounts struct {
	Tags     int `json:"tags"`
	Branches int `json:"branches"`
	Total    int `json:"total"`
}

// Handler assembles the HTTP surface: the JSON API consumed by the
// dashboard, Prometheus metrics, and health probes.
func (r *Runtime) Handler() http.Handler {
	router := chi.NewRouter()
	traceMode := telemetry.TraceMode()

	router.Post("/api/timeline", wrapHTTPHandler(traceMode, "timeline", http.HandlerFunc(r.handleTimeline)))
	router.Post("/api/commits", wrapHTTPHandler(traceMode, "commits", http.HandlerFunc(r.handleCommits)))
	router.Post("/api/tickets", wrapHTTPHandler(traceMode, "tickets", http.HandlerFunc(r.handleTickets)))
	router.Post("/api/refs", wrapHTTPHandler(traceMode, "refs", http.HandlerFunc(r.handleRefs)))
	router.Post("/api/branches", wrapHTTPHandler(traceMode, "branches", http.HandlerFunc(r.handleBranches)))
	router.Post("/api/repository", wrapHTTPHandler(traceMode, "repository", http.HandlerFunc(r.handleRepository)))

	metricsHandler := promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
	router.Method(http.MethodGet, "/metrics", wrapHTTPHandler(traceMode, "metrics", metricsHandler))

	healthHandler := health.NewHandler(r)
	router.Handle("/livez", wrapHTTPHandler(traceMode, "livez", healthHandler))
	router.Handle("/readyz", wrapHTTPHandler(traceMode, "readyz", healthHandler))
	router.Handle("/healthz", wrapHTTPHandler(traceMode, "healthz", healthHandler))

	return router
}

func (r *Runtime) handleTimeline(w http.ResponseWriter, req *http.Request) {
	var body timelineRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if body.GitLabHost == "" || body.ProjectID == 0 || body.Environment == "" || body.JobType == "" || body.JiraRegex == "" {
		writeError(w, http.StatusBadRequest,
			"Missing required parameters. Please provide gitlabHost, projectId, environment, jobType, and jiraRegex")
		return
	}

	result, err := r.coordinator.Get(req.Context(), cache.Request{
		Host:          body.GitLabHost,
		ProjectID:     body.ProjectID,
		Environment:   body.Environment,
		JobType:       body.JobType,
		TicketPattern: body.JiraRegex,
		ForceRefresh:  body.ForceRefresh,
	})
	if err != nil {
		r.logger.Error("timeline request failed",
			zap.String("environment", body.Environment),
			zap.String("job_type", body.JobType),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Error retrieving deployment timeline")
		return
	}

	response := timelineResponse{
		Timeline:          result.Timeline,
		Cached:            result.Cached,
		RefreshInProgress: result.RefreshInProgress,
		CacheAgeMillis:    result.CacheAge.Milliseconds(),
		HitCount:          result.HitCount,
	}
	if !result.Cached {
		response.RefreshCompleted = true
		response.CachedEntriesCount = result.EntryCount
		w.Header().Set("Cache-Control", "max-age=300, stale-while-revalidate=600")
	}
	writeJSON(w, http.StatusOK, response)
}

func (r *Runtime) handleCommits(w http.ResponseWriter, req *http.Request) {
	var body rangeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if body.GitLabHost == "" || body.ProjectID == 0 {
		writeError(w, http.StatusBadRequest, "Please provide gitlabHost and projectId")
		return
	}
	toRef := body.ToCommit
	if toRef == "" {
		toRef = "HEAD"
	}

	key := memoKey(body.GitLabHost, body.ProjectID, body.FromCommit, toRef)
	if commits, ok := r.commitsCache.get(key); ok {
		writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
		return
	}

	merges, err := r.timelineSvc.MergeCommitsBetween(req.Context(), body.GitLabHost, body.ProjectID, body.FromCommit, toRef)
	r.recordUpstreamOutcome(err)
	if err != nil {
		r.logger.Error("commit range request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Error fetching commits. Please check your inputs and try again.")
		return
	}

	commits := make([]commitSummary, 0, len(merges))
	for _, commit := range merges {
		commits = append(commits, commitSummary{Hash: commit.ID, Message: commit.Title})
	}
	r.commitsCache.set(key, commits)
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (r *Runtime) handleTickets(w http.ResponseWriter, req *http.Request) {
	var body rangeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if body.JiraRegex == "" {
		writeError(w, http.StatusBadRequest, "No Jira regex provided")
		return
	}
	if body.GitLabHost == "" || body.ProjectID == 0 {
		writeError(w, http.StatusBadRequest, "Please provide gitlabHost and projectId")
		return
	}
	toRef := body.ToCommit
	if toRef == "" {
		toRef = "HEAD"
	}

	key := memoKey(body.GitLabHost, body.ProjectID, body.FromCommit, toRef, body.JiraRegex)
	if info, ok := r.ticketsCache.get(key); ok {
		writeJSON(w, http.StatusOK, map[string]any{"ticketInfo": info})
		return
	}

	info, err := r.timelineSvc.TicketInfoBetween(req.Context(), body.GitLabHost, body.ProjectID, body.FromCommit, toRef, body.JiraRegex)
	r.recordUpstreamOutcome(err)
	if err != nil {
		r.logger.Error("ticket range request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Error processing tickets. Please check your inputs and try again.")
		return
	}

	r.ticketsCache.set(key, info)
	writeJSON(w, http.StatusOK, map[string]any{"ticketInfo": info})
}

func (r *Runtime) handleRefs(w http.ResponseWriter, req *http.Request) {
	var body projectRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if body.GitLabHost == "" || body.ProjectID == 0 {
		writeError(w, http.StatusBadRequest, "Please provide gitlabHost and projectId")
		return
	}

	key := memoKey(body.GitLabHost, body.ProjectID)
	if cached, ok := r.refsCache.get(key); ok {
		cached.Cached = true
		writeJSON(w, http.StatusOK, cached)
		return
	}

	var (
		wg        sync.WaitGroup
		tags      []gitlabapi.Tag
		branches  []gitlabapi.Branch
		tagErr    error
		branchErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		tags, tagErr = r.gitlab.ListTags(req.Context(), body.GitLabHost, body.ProjectID)
	}()
	go func() {
		defer wg.Done()
		branches, branchErr = r.gitlab.ListBranches(req.Context(), body.GitLabHost, body.ProjectID, "")
	}()
	wg.Wait()

	err := tagErr
	if err == nil {
		err = branchErr
	}
	r.recordUpstreamOutcome(err)
	if err != nil {
		r.logger.Error("ref listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Error retrieving tags and branches.")
		return
	}

	names := make([]string, 0, len(tags)+len(branches))
	for _, tag := range tags {
		names = append(names, tag.Name)
	}
	for _, branch := range branches {
		names = append(names, branch.Name)
	}

	response := refsResponse{
		TagsAndBranches: names,
		Counts: refsCounts{
			Tags:     len(tags),
			Branches: len(branches),
			Total:    len(names),
		},
	}
	r.refsCache.set(key, response)
	writeJSON(w, http.StatusOK, response)
}

func (r *Runtime) handleBranches(w http.ResponseWriter, req *http.Request) {
	var body projectRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if body.GitLabHost == "" || body.ProjectID == 0 {
		writeError(w, http.StatusBadRequest, "GitLab host and project ID are required")
		return
	}

	key := memoKey(body.GitLabHost, body.ProjectID)

	r.mu.Lock()
	inFlight := r.branchUpdateInFlight[key]
	if !inFlight {
		if cached, ok := r.branchesCache.get(key); ok {
			r.mu.Unlock()
			writeJSON(w, http.StatusOK, map[string]any{
				"message":         "Branches were recently updated. Skipping update. Serving cached branches.",
				"updatedBranches": cached,
			})
			return
		}
		r.branchUpdateInFlight[key] = true
	}
	r.mu.Unlock()

	if inFlight {
		cached, _ := r.branchesCache.get(key)
		if cached == nil {
			cached = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message":         "Update already in progress. Serving cached branches.",
			"updatedBranches": cached,
		})
		return
	}

	defer func() {
		r.mu.Lock()
		delete(r.branchUpdateInFlight, key)
		r.mu.Unlock()
	}()

	branches, err := r.gitlab.ListBranches(req.Context(), body.GitLabHost, body.ProjectID, "updated_desc")
	r.recordUpstreamOutcome(err)
	if err != nil {
		r.logger.Error("branch listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Error fetching branches. Please check your GitLab host and project ID.")
		return
	}

	sort.SliceStable(branches, func(i, j int) bool {
		return branchCommitTime(branches[i]).After(branchCommitTime(branches[j]))
	})

	filtered := make([]string, 0, len(branches))
	for _, branch := range branches {
		if refSelectorBranchPattern.MatchString(branch.Name) {
			filtered = append(filtered, branch.Name)
		}
	}
	r.branchesCache.set(key, filtered)

	writeJSON(w, http.StatusOK, map[string]any{
		"message":         "Branches fetched successfully via GitLab API.",
		"updatedBranches": filtered,
	})
}

func (r *Runtime) handleRepository(w http.ResponseWriter, req *http.Request) {
	var body projectRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if body.GitLabHost == "" || body.Repository == "" {
		writeError(w, http.StatusBadRequest, "GitLab host and repository are required")
		return
	}

	project, err := r.gitlab.GetProject(req.Context(), body.GitLabHost, body.Repository)
	r.recordUpstreamOutcome(err)
	if err != nil {
		r.logger.Error("repository lookup failed",
			zap.String("repository", body.Repository),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError,
			"Error accessing repository. Please check your GitLab host, repository path, and API token.")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"projectId":     project.ID,
		"projectPath":   project.PathWithNamespace,
		"defaultBranch": project.DefaultBranch,
	})
}

func branchCommitTime(branch gitlabapi.Branch) time.Time {
	if !branch.Commit.CommittedDate.IsZero() {
		return branch.Commit.CommittedDate
	}
	return branch.Commit.CreatedAt
}

func memoKey(host string, projectID int, parts ...string) string {
	elems := []string{url.QueryEscape(host), fmt.Sprintf("%d", projectID)}
	for _, part := range parts {
		elems = append(elems, url.QueryEscape(part))
	}
	return strings.Join(elems, "|")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func wrapHTTPHandler(traceMode, route string, handler http.Handler) http.HandlerFunc {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if strings.EqualFold(strings.TrimSpace(traceMode), "off") {
		return handler.ServeHTTP
	}

	operation := strings.TrimSpace(route)
	if operation == "" {
		operation = "handler"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("deploytrail/internal/app").Start(
			r.Context(),
			"http.server."+operation,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		recorder := &statusCapturingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
			return
		}
		span.SetStatus(codes.Ok, "request completed")
	}
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
