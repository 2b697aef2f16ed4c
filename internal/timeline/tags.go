package timeline

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/deploytrail/deploytrail/internal/gitlabapi"
	"go.uber.org/zap"
)

// tagTimestampLayout is the canonical deployment tag timestamp format:
// year-first, so lexicographic order on the raw digits is chronological.
const tagTimestampLayout = "20060102-150405"

// deploymentTag pairs an upstream tag with its parsed timestamp.
type deploymentTag struct {
	gitlabapi.Tag
	deployedAt time.Time
}

// DiscoverDeploymentTags lists all tags for the project and returns those
// matching the ENV_JOBTYPE_YYYYMMDD-HHMMSS convention, sorted ascending by
// the embedded timestamp. Tags whose digit block is not a valid year-first
// timestamp are rejected, not guessed at. An empty result is not an error.
func (s *Service) DiscoverDeploymentTags(ctx context.Context, host string, projectID int, environment, jobType string) ([]gitlabapi.Tag, error) {
	allTags, err := s.api.ListTags(ctx, host, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}

	pattern, err := deploymentTagPattern(environment, jobType)
	if err != nil {
		return nil, err
	}

	matched := make([]deploymentTag, 0, len(allTags))
	for _, tag := range allTags {
		if !pattern.MatchString(tag.Name) {
			continue
		}
		deployedAt, err := parseTagTimestamp(tag.Name)
		if err != nil {
			s.logger.Warn("skipping deployment tag with invalid timestamp",
				zap.String("tag", tag.Name),
				zap.Error(err))
			continue
		}
		matched = append(matched, deploymentTag{Tag: tag, deployedAt: deployedAt})
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].deployedAt.Equal(matched[j].deployedAt) {
			return matched[i].Name < matched[j].Name
		}
		return matched[i].deployedAt.Before(matched[j].deployedAt)
	})

	tags := make([]gitlabapi.Tag, 0, len(matched))
	for _, tag := range matched {
		tags = append(tags, tag.Tag)
	}

	s.logger.Debug("discovered deployment tags",
		zap.String("environment", environment),
		zap.String("job_type", jobType),
		zap.Int("matched", len(tags)),
		zap.Int("total", len(allTags)))
	return tags, nil
}

func deploymentTagPattern(environment, jobType string) (*regexp.Regexp, error) {
	source := fmt.Sprintf(`^%s_%s_\d{8}-\d{6}$`, regexp.QuoteMeta(environment), regexp.QuoteMeta(jobType))
	pattern, err := regexp.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("compile deployment tag pattern: %w", err)
	}
	return pattern, nil
}

// parseTagTimestamp extracts and parses the trailing timestamp block of a
// deployment tag name. The environment or job type may itself contain
// underscores, so the block is taken from the end.
func parseTagTimestamp(name string) (time.Time, error) {
	if len(name) < len(tagTimestampLayout) {
		return time.Time{}, fmt.Errorf("tag %q too short for embedded timestamp", name)
	}
	raw := name[len(name)-len(tagTimestampLayout):]
	deployedAt, err := time.Parse(tagTimestampLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse tag timestamp %q: %w", raw, err)
	}
	return deployedAt, nil
}
