package conflict

import (
	"reflect"
	"testing"
	"time"

	"github.com/matheus3301/offsync/internal/record"
)

var (
	t1 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Minute)
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"use_local", UseLocal, false},
		{"use_remote", UseRemote, false},
		{"merge", Merge, false},
		{"", Merge, false},
		{"newest", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePolicy(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestMergeNewerContentWins(t *testing.T) {
	c := Conflict{
		ID:     "x",
		Local:  record.Record{ID: "x", UpdatedAt: t1, Content: map[string]any{"title": "A"}},
		Remote: record.Record{ID: "x", UpdatedAt: t2, Content: map[string]any{"title": "B"}},
	}
	// now lags both inputs; the result must still be strictly later.
	got, err := Resolve(c, Merge, t1.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if got.Title() != "B" {
		t.Errorf("title = %q, want B", got.Title())
	}
	if !got.UpdatedAt.After(t1) || !got.UpdatedAt.After(t2) {
		t.Errorf("UpdatedAt = %v, want after %v and %v", got.UpdatedAt, t1, t2)
	}
	if !got.Merged || got.MergedAt == nil || !got.MergedAt.Equal(got.UpdatedAt) {
		t.Errorf("merge marker = %v, %v", got.Merged, got.MergedAt)
	}
}

func TestMergeIsDeterministic(t *testing.T) {
	c := Conflict{
		ID:     "x",
		Local:  record.Record{UpdatedAt: t1, Content: map[string]any{"title": "A"}, Tags: []string{"a", "b"}},
		Remote: record.Record{UpdatedAt: t2, Content: map[string]any{"title": "B"}, Tags: []string{"b", "c"}},
	}
	now := t2.Add(time.Second)
	first, _ := Resolve(c, Merge, now)
	for range 10 {
		again, _ := Resolve(c, Merge, now)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("Resolve not deterministic: %+v vs %+v", first, again)
		}
	}
}

func TestMergeTieLocalWins(t *testing.T) {
	c := Conflict{
		ID:     "x",
		Local:  record.Record{UpdatedAt: t1, Content: map[string]any{"title": "local"}},
		Remote: record.Record{UpdatedAt: t1, Content: map[string]any{"title": "remote"}},
	}
	got, _ := Resolve(c, Merge, t1)
	if got.Title() != "local" {
		t.Errorf("title = %q, want local on tie", got.Title())
	}
	if !got.UpdatedAt.Equal(t1.Add(time.Millisecond)) {
		t.Errorf("UpdatedAt = %v, want t1+1ms", got.UpdatedAt)
	}
}

func TestMergeUnionsFields(t *testing.T) {
	c := Conflict{
		ID: "x",
		Local: record.Record{
			UpdatedAt: t1,
			Content:   map[string]any{"title": "old", "body": "local body"},
			Metadata:  map[string]any{"color": "red", "pinned": true},
			Tags:      []string{"work", "draft"},
		},
		Remote: record.Record{
			UpdatedAt: t2,
			Content:   map[string]any{"title": "new"},
			Metadata:  map[string]any{"color": "blue", "source": "web"},
			Tags:      []string{"draft", "shared"},
		},
	}
	got, _ := Resolve(c, Merge, t2.Add(time.Second))

	wantContent := map[string]any{"title": "new", "body": "local body"}
	if !reflect.DeepEqual(got.Content, wantContent) {
		t.Errorf("Content = %v, want %v", got.Content, wantContent)
	}
	wantMeta := map[string]any{"color": "red", "pinned": true, "source": "web"}
	if !reflect.DeepEqual(got.Metadata, wantMeta) {
		t.Errorf("Metadata = %v, want %v", got.Metadata, wantMeta)
	}
	wantTags := []string{"work", "draft", "shared"}
	if !reflect.DeepEqual(got.Tags, wantTags) {
		t.Errorf("Tags = %v, want %v", got.Tags, wantTags)
	}
}

func TestUseLocal(t *testing.T) {
	c := Conflict{
		ID:     "x",
		Local:  record.Record{ID: "x", UpdatedAt: t1, Content: map[string]any{"title": "A"}, Merged: true},
		Remote: record.Record{ID: "x", UpdatedAt: t2, Content: map[string]any{"title": "B"}},
	}
	now := t2.Add(time.Hour)
	got, err := Resolve(c, UseLocal, now)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title() != "A" || got.Merged {
		t.Errorf("got %+v, want local content without merge marker", got)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, now)
	}
}

func TestUseRemote(t *testing.T) {
	remote := record.Record{ID: "x", UpdatedAt: t2, Content: map[string]any{"title": "B"}, Tags: []string{"r"}}
	c := Conflict{ID: "x", Local: record.Record{UpdatedAt: t1}, Remote: remote}

	got, err := Resolve(c, UseRemote, t2.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, remote) {
		t.Errorf("got %+v, want remote unchanged %+v", got, remote)
	}
	got.Content["title"] = "mutated"
	if remote.Title() != "B" {
		t.Error("result shares content map with the input")
	}
}

func TestResolveUnknownPolicy(t *testing.T) {
	if _, err := Resolve(Conflict{ID: "x"}, Policy("coin_flip"), t1); err == nil {
		t.Error("Resolve with unknown policy succeeded")
	}
}
