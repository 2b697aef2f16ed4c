package gitlabapi

import (
	"context"
	"fmt"
	"net/url"
)

// GetProject resolves a repository path (or numeric id) to a project
// record. The path is URL-encoded for the API, slashes included.
func (c *Client) GetProject(ctx context.Context, host, pathOrID string) (Project, error) {
	var project Project
	endpoint := "projects/" + url.QueryEscape(pathOrID)
	if err := c.getJSON(ctx, BuildAPIURL(host, endpoint), &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// ListTags lists repository tags across all pages up to the page cap.
func (c *Client) ListTags(ctx context.Context, host string, projectID int) ([]Tag, error) {
	endpoint := fmt.Sprintf("projects/%d/repository/tags", projectID)
	return fetchAllPages[Tag](ctx, c, BuildAPIURL(host, endpoint))
}

// GetTag resolves a single tag by name, primarily for its commit id.
func (c *Client) GetTag(ctx context.Context, host string, projectID int, name string) (Tag, error) {
	var tag Tag
	endpoint := fmt.Sprintf("projects/%d/repository/tags/%s", projectID, url.QueryEscape(name))
	if err := c.getJSON(ctx, BuildAPIURL(host, endpoint), &tag); err != nil {
		return Tag{}, err
	}
	return tag, nil
}

// ListBranches lists repository branches across all pages up to the page
// cap. An empty sort uses the upstream default ordering.
func (c *Client) ListBranches(ctx context.Context, host string, projectID int, sort string) ([]Branch, error) {
	endpoint := fmt.Sprintf("projects/%d/repository/branches", projectID)
	if sort != "" {
		endpoint += "?sort=" + url.QueryEscape(sort)
	}
	return fetchAllPages[Branch](ctx, c, BuildAPIURL(host, endpoint))
}

// CompareRefs returns the commits between two refs (tags, branches, or
// commit SHAs) via the compare endpoint.
func (c *Client) CompareRefs(ctx context.Context, host string, projectID int, from, to string) (Comparison, error) {
	var comparison Comparison
	endpoint := fmt.Sprintf("projects/%d/repository/compare?from=%s&to=%s",
		projectID, url.QueryEscape(from), url.QueryEscape(to))
	if err := c.getJSON(ctx, BuildAPIURL(host, endpoint), &comparison); err != nil {
		return Comparison{}, err
	}
	return comparison, nil
}

// GetCommit fetches a full commit record, including the untruncated message.
func (c *Client) GetCommit(ctx context.Context, host string, projectID int, sha string) (Commit, error) {
	var commit Commit
	endpoint := fmt.Sprintf("projects/%d/repository/commits/%s", projectID, url.PathEscape(sha))
	if err := c.getJSON(ctx, BuildAPIURL(host, endpoint), &commit); err != nil {
		return Commit{}, err
	}
	return commit, nil
}
