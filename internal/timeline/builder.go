// Package timeline reconstructs per-environment deployment timelines from
// GitLab tag naming conventions: deployment tags are discovered, ordered
// chronologically, and consecutive pairs are diffed through the compare
// endpoint to recover the tickets and merge requests each release shipped.
package timeline

import (
	"context"
	"fmt"

	"github.com/deploytrail/deploytrail/internal/gitlabapi"
	"go.uber.org/zap"
)

// API is the slice of the GitLab client the timeline service consumes.
type API interface {
	ListTags(ctx context.Context, host string, projectID int) ([]gitlabapi.Tag, error)
	GetTag(ctx context.Context, host string, projectID int, name string) (gitlabapi.Tag, error)
	CompareRefs(ctx context.Context, host string, projectID int, from, to string) (gitlabapi.Comparison, error)
	GetCommit(ctx context.Context, host string, projectID int, sha string) (gitlabapi.Commit, error)
}

// Service builds deployment timelines against an upstream GitLab API.
type Service struct {
	api    API
	logger *zap.Logger
}

// NewService creates a timeline service.
func NewService(api API, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{api: api, logger: logger}
}

// BuildTimeline reconstructs the deployment timeline for one
// (environment, jobType) pair. Tags are walked oldest to newest: the
// oldest tag is the baseline with empty ticket and MR sets, and every
// later tag is diffed against its immediate predecessor. The result is
// reversed so iteration yields the most recent deployment first. An empty
// tag list yields an empty timeline, not an error; any failed pair diff
// aborts the whole build.
func (s *Service) BuildTimeline(ctx context.Context, host string, projectID int, environment, jobType, ticketPattern string) (*DeploymentTimeline, error) {
	tags, err := s.DiscoverDeploymentTags(ctx, host, projectID, environment, jobType)
	if err != nil {
		return nil, err
	}

	result := NewDeploymentTimeline()
	for i, tag := range tags {
		if i == 0 {
			result.Append(TimelineItem{
				Tag:      tag.Name,
				CommitID: tag.Commit.ID,
				Tickets:  make([]string, 0),
				MRIDs:    make([]string, 0),
			})
			continue
		}

		item, err := s.ExtractTicketsAndMRs(ctx, host, projectID, tags[i-1].Name, tag.Name, ticketPattern)
		if err != nil {
			return nil, fmt.Errorf("diff %s against %s: %w", tag.Name, tags[i-1].Name, err)
		}
		result.Append(item)
	}

	result.Reverse()
	return result, nil
}

// MergeCommitsBetween returns the merge commits between two refs, undiffed
// and without ticket extraction.
func (s *Service) MergeCommitsBetween(ctx context.Context, host string, projectID int, fromRef, toRef string) ([]gitlabapi.Commit, error) {
	comparison, err := s.api.CompareRefs(ctx, host, projectID, fromRef, toRef)
	if err != nil {
		return nil, fmt.Errorf("compare %s..%s: %w", fromRef, toRef, err)
	}

	merges := make([]gitlabapi.Commit, 0, len(comparison.Commits))
	for _, commit := range comparison.Commits {
		if commit.IsMerge() {
			merges = append(merges, commit)
		}
	}
	return merges, nil
}
