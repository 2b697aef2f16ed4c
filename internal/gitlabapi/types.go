package gitlabapi

import "time"

// Project is the subset of a GitLab project record the service consumes.
type Project struct {
	ID                int    `json:"id"`
	PathWithNamespace string `json:"path_with_namespace"`
	DefaultBranch     string `json:"default_branch"`
}

// TagCommit is the commit summary embedded in tag and branch records.
type TagCommit struct {
	ID            string    `json:"id"`
	ShortID       string    `json:"short_id"`
	CreatedAt     time.Time `json:"created_at"`
	CommittedDate time.Time `json:"committed_date,omitempty"`
}

// Tag is one repository tag.
type Tag struct {
	Name   string    `json:"name"`
	Commit TagCommit `json:"commit"`
}

// Branch is one repository branch.
type Branch struct {
	Name      string    `json:"name"`
	Commit    TagCommit `json:"commit"`
	Merged    bool      `json:"merged"`
	Protected bool      `json:"protected"`
	Default   bool      `json:"default"`
	WebURL    string    `json:"web_url"`
}

// Commit is one commit record. The compare endpoint may truncate Message;
// the single-commit endpoint always returns it in full.
type Commit struct {
	ID          string    `json:"id"`
	ShortID     string    `json:"short_id"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
	AuthorName  string    `json:"author_name"`
	AuthorEmail string    `json:"author_email"`
	ParentIDs   []string  `json:"parent_ids"`
}

// IsMerge reports whether the commit has two or more parents. Merge
// commits are the system's proxy for integrated changes.
func (c Commit) IsMerge() bool {
	return len(c.ParentIDs) >= 2
}

// Comparison is the payload of the compare-refs endpoint.
type Comparison struct {
	Commits []Commit `json:"commits"`
}
