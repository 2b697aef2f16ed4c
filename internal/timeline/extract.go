package timeline

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"
)

// mrTrailerPattern matches GitLab's auto-generated merge-commit trailer.
// Only the first occurrence per commit is captured.
var mrTrailerPattern = regexp.MustCompile(`See merge request .*!(\d+)`)

// shorthandDigits rewrites the historical `d+` shorthand the browser
// settings store uses in place of `\d+`. Already-escaped occurrences are
// left alone so properly written patterns pass through unchanged.
var shorthandDigits = regexp.MustCompile(`(^|[^\\])d\+`)

// CompileTicketPattern compiles a caller-supplied ticket regex for global,
// case-insensitive matching, applying the `d+` shorthand rewrite.
func CompileTicketPattern(source string) (*regexp.Regexp, error) {
	corrected := shorthandDigits.ReplaceAllString(source, `$1\d+`)
	pattern, err := regexp.Compile("(?i)" + corrected)
	if err != nil {
		return nil, fmt.Errorf("compile ticket pattern %q: %w", source, err)
	}
	return pattern, nil
}

// fullMessageThreshold is the message length below which the compare
// payload is assumed truncated and the full commit record is re-fetched.
const fullMessageThreshold = 10

// ExtractTicketsAndMRs diffs two refs through the compare endpoint and
// collects ticket references and merge-request ids from the merge commits
// in the range. The returned item carries toRef's own commit id, resolved
// via a tag lookup; a failed lookup leaves the commit id empty.
func (s *Service) ExtractTicketsAndMRs(ctx context.Context, host string, projectID int, fromRef, toRef, ticketPattern string) (TimelineItem, error) {
	ticketRegex, err := CompileTicketPattern(ticketPattern)
	if err != nil {
		return TimelineItem{}, err
	}

	comparison, err := s.api.CompareRefs(ctx, host, projectID, fromRef, toRef)
	if err != nil {
		return TimelineItem{}, fmt.Errorf("compare %s..%s: %w", fromRef, toRef, err)
	}

	item := TimelineItem{
		Tag:     toRef,
		Tickets: make([]string, 0),
		MRIDs:   make([]string, 0),
	}
	seenTickets := make(map[string]struct{})
	seenMRs := make(map[string]struct{})

	for _, commit := range comparison.Commits {
		if !commit.IsMerge() {
			continue
		}

		message := commit.Message
		if len(message) < fullMessageThreshold {
			full, err := s.api.GetCommit(ctx, host, projectID, commit.ID)
			if err != nil {
				s.logger.Warn("could not fetch full commit message",
					zap.String("commit", commit.ID),
					zap.Error(err))
			} else {
				message = full.Message
			}
		}

		for _, ticket := range ticketRegex.FindAllString(message, -1) {
			if _, seen := seenTickets[ticket]; seen {
				continue
			}
			seenTickets[ticket] = struct{}{}
			item.Tickets = append(item.Tickets, ticket)
		}

		if match := mrTrailerPattern.FindStringSubmatch(message); len(match) > 1 {
			if _, seen := seenMRs[match[1]]; !seen {
				seenMRs[match[1]] = struct{}{}
				item.MRIDs = append(item.MRIDs, match[1])
			}
		}
	}

	tag, err := s.api.GetTag(ctx, host, projectID, toRef)
	if err != nil {
		s.logger.Warn("could not resolve tag commit id",
			zap.String("tag", toRef),
			zap.Error(err))
	} else {
		item.CommitID = tag.Commit.ID
	}

	return item, nil
}

// TicketInfoBetween extracts per-commit ticket references and MR ids for
// every merge commit between two refs. Each commit's full record is
// fetched for its untruncated message; commits that fail to fetch are
// skipped rather than failing the whole range.
func (s *Service) TicketInfoBetween(ctx context.Context, host string, projectID int, fromRef, toRef, ticketPattern string) (map[string]TicketInfo, error) {
	ticketRegex, err := CompileTicketPattern(ticketPattern)
	if err != nil {
		return nil, err
	}

	comparison, err := s.api.CompareRefs(ctx, host, projectID, fromRef, toRef)
	if err != nil {
		return nil, fmt.Errorf("compare %s..%s: %w", fromRef, toRef, err)
	}

	info := make(map[string]TicketInfo)
	for _, commit := range comparison.Commits {
		if !commit.IsMerge() {
			continue
		}

		full, err := s.api.GetCommit(ctx, host, projectID, commit.ID)
		if err != nil {
			s.logger.Warn("skipping commit after fetch failure",
				zap.String("commit", commit.ID),
				zap.Error(err))
			continue
		}

		tickets := make([]string, 0)
		seen := make(map[string]struct{})
		for _, ticket := range ticketRegex.FindAllString(full.Message, -1) {
			if _, dup := seen[ticket]; dup {
				continue
			}
			seen[ticket] = struct{}{}
			tickets = append(tickets, ticket)
		}

		mrIDs := make([]string, 0)
		if match := mrTrailerPattern.FindStringSubmatch(full.Message); len(match) > 1 {
			mrIDs = append(mrIDs, match[1])
		}

		info[commit.ID] = TicketInfo{Tickets: tickets, MRIDs: mrIDs}
	}

	return info, nil
}
