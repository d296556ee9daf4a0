package engine_test

import (
	"testing"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
)

func TestMerge(t *testing.T) {
	tests := []struct {
		name     string
		common   model.SequenceCommon
		item     model.SequenceItem
		content  string
		negative string
		route    string
	}{
		{
			name:    "common first",
			common:  model.SequenceCommon{Content: "studio light", Negative: "blurry"},
			item:    model.SequenceItem{Content: "red hat", Negative: "text"},
			content: "studio light, red hat", negative: "blurry, text",
		},
		{
			name:    "empty common",
			item:    model.SequenceItem{Content: "red hat"},
			content: "red hat",
		},
		{
			name:    "stray separators trimmed",
			common:  model.SequenceCommon{Content: "studio light, "},
			item:    model.SequenceItem{Content: " ,red hat"},
			content: "studio light, red hat",
		},
		{
			name:    "item route wins",
			common:  model.SequenceCommon{Route: "gpu"},
			item:    model.SequenceItem{Content: "x", Route: "cpu"},
			content: "x", route: "cpu",
		},
		{
			name:    "common route inherited",
			common:  model.SequenceCommon{Route: "gpu"},
			item:    model.SequenceItem{Content: "x"},
			content: "x", route: "gpu",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.Merge(tt.common, tt.item)
			if got.Content != tt.content {
				t.Errorf("Content = %q, want %q", got.Content, tt.content)
			}
			if got.Negative != tt.negative {
				t.Errorf("Negative = %q, want %q", got.Negative, tt.negative)
			}
			if got.Route != tt.route {
				t.Errorf("Route = %q, want %q", got.Route, tt.route)
			}
		})
	}
}

func TestMergeCopiesOverrides(t *testing.T) {
	item := model.SequenceItem{ID: "a", Name: "A", Content: "x", Overrides: map[string]any{"seed": 1}}
	got := engine.Merge(model.SequenceCommon{}, item)
	got.Overrides["seed"] = 2
	if item.Overrides["seed"] != 1 {
		t.Error("Merge must not alias item overrides")
	}
	if got.ItemID != "a" || got.Name != "A" {
		t.Errorf("identity = %q/%q", got.ItemID, got.Name)
	}
}
