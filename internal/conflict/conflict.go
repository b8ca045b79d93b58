// Package conflict decides the surviving version of a record when the local
// and remote copies diverged.
package conflict

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/matheus3301/offsync/internal/record"
)

// Policy selects how a conflict is resolved.
type Policy string

const (
	UseLocal  Policy = "use_local"
	UseRemote Policy = "use_remote"
	Merge     Policy = "merge"
)

// DefaultPolicy is applied during autonomous sync runs.
const DefaultPolicy = Merge

// ParsePolicy validates a policy name. The empty string yields DefaultPolicy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case UseLocal, UseRemote, Merge:
		return p, nil
	case "":
		return DefaultPolicy, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q: must be use_local, use_remote or merge", s)
	}
}

// Conflict is a divergence between the local and remote versions of one
// record. Resolution is empty until a policy has been applied.
type Conflict struct {
	ID         string
	Local      record.Record
	Remote     record.Record
	Resolution Policy
}

// Resolve returns the record that should be written to both stores.
//
// UseLocal keeps the local record with a fresh updated_at. UseRemote adopts
// the remote record unchanged. Merge takes the primary content of the more
// recently updated side (local on a tie), falls back to the other side for
// keys it lacks, unions metadata with local keys winning, unions tags, and
// marks the result as merged.
//
// Fresh timestamps are strictly later than both inputs, at millisecond
// precision, even when now lags behind either of them.
func Resolve(c Conflict, policy Policy, now time.Time) (record.Record, error) {
	switch policy {
	case UseLocal:
		out := c.Local.Clone()
		out.ID = c.ID
		out.UpdatedAt = freshStamp(now, c.Local.UpdatedAt, c.Remote.UpdatedAt)
		out.Merged = false
		out.MergedAt = nil
		return out, nil

	case UseRemote:
		out := c.Remote.Clone()
		out.ID = c.ID
		return out, nil

	case Merge:
		return merge(c, now), nil

	default:
		return record.Record{}, fmt.Errorf("resolve %s: unknown policy %q", c.ID, policy)
	}
}

func merge(c Conflict, now time.Time) record.Record {
	newer, older := c.Local, c.Remote
	if c.Remote.UpdatedAt.After(c.Local.UpdatedAt) {
		newer, older = c.Remote, c.Local
	}

	stamp := freshStamp(now, c.Local.UpdatedAt, c.Remote.UpdatedAt)
	out := record.Record{
		ID:        c.ID,
		UpdatedAt: stamp,
		Content:   union(older.Content, newer.Content),
		Metadata:  union(c.Remote.Metadata, c.Local.Metadata),
		Tags:      unionTags(c.Local.Tags, c.Remote.Tags),
		Merged:    true,
		MergedAt:  &stamp,
	}
	return out
}

// union copies base and then over on top of it. nil when both are empty.
func union(base, over map[string]any) map[string]any {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(over))
	maps.Copy(out, base)
	maps.Copy(out, over)
	return out
}

func unionTags(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make([]string, 0, len(a)+len(b))
	for _, t := range slices.Concat(a, b) {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

func freshStamp(now, local, remote time.Time) time.Time {
	stamp := record.Millis(now)
	for _, t := range []time.Time{local, remote} {
		if t.IsZero() {
			continue
		}
		if floor := record.Millis(t).Add(time.Millisecond); stamp.Before(floor) {
			stamp = floor
		}
	}
	return stamp
}
