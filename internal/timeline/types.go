package timeline

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TimelineItem is the reconstructed activity behind one deployment tag:
// the ticket references and merge-request ids integrated since the
// previous deployment, plus the tag's own commit id.
type TimelineItem struct {
	Tag      string   `json:"tag"`
	CommitID string   `json:"commitId,omitempty"`
	Tickets  []string `json:"tickets"`
	MRIDs    []string `json:"mrIds"`
}

// TicketInfo is the per-commit extraction result for the undiffed range
// endpoints.
type TicketInfo struct {
	Tickets []string `json:"tickets"`
	MRIDs   []string `json:"mrIds"`
}

// DeploymentTimeline maps deployment tag names to timeline items while
// preserving insertion order. Serialization order is part of the contract:
// consumers iterate the JSON object most-recent-deployment-first.
type DeploymentTimeline struct {
	items []TimelineItem
}

// NewDeploymentTimeline creates an empty timeline.
func NewDeploymentTimeline() *DeploymentTimeline {
	return &DeploymentTimeline{}
}

// Append adds an item at the end of the iteration order.
func (t *DeploymentTimeline) Append(item TimelineItem) {
	t.items = append(t.items, item)
}

// Len reports the number of deployments in the timeline.
func (t *DeploymentTimeline) Len() int {
	if t == nil {
		return 0
	}
	return len(t.items)
}

// Items returns the items in iteration order.
func (t *DeploymentTimeline) Items() []TimelineItem {
	if t == nil {
		return nil
	}
	return t.items
}

// Get looks up an item by tag name.
func (t *DeploymentTimeline) Get(tag string) (TimelineItem, bool) {
	if t == nil {
		return TimelineItem{}, false
	}
	for _, item := range t.items {
		if item.Tag == tag {
			return item, true
		}
	}
	return TimelineItem{}, false
}

// Reverse flips the iteration order in place.
func (t *DeploymentTimeline) Reverse() {
	for i, j := 0, len(t.items)-1; i < j; i, j = i+1, j-1 {
		t.items[i], t.items[j] = t.items[j], t.items[i]
	}
}

// MarshalJSON renders the timeline as a JSON object keyed by tag name,
// keys emitted in iteration order.
func (t *DeploymentTimeline) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, item := range t.items {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(item.Tag)
		if err != nil {
			return nil, fmt.Errorf("marshal timeline key: %w", err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("marshal timeline item: %w", err)
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a timeline object preserving key order, so cached
// timelines survive serialization round-trips intact.
func (t *DeploymentTimeline) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))

	open, err := decoder.Token()
	if err != nil {
		return fmt.Errorf("decode timeline: %w", err)
	}
	if delim, ok := open.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decode timeline: expected object, got %v", open)
	}

	items := make([]TimelineItem, 0)
	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return fmt.Errorf("decode timeline key: %w", err)
		}
		tag, ok := keyToken.(string)
		if !ok {
			return fmt.Errorf("decode timeline key: expected string, got %v", keyToken)
		}

		var item TimelineItem
		if err := decoder.Decode(&item); err != nil {
			return fmt.Errorf("decode timeline item %q: %w", tag, err)
		}
		if item.Tag == "" {
			item.Tag = tag
		}
		items = append(items, item)
	}

	if _, err := decoder.Token(); err != nil {
		return fmt.Errorf("decode timeline: %w", err)
	}

	t.items = items
	return nil
}
