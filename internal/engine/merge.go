package engine

import (
	"maps"
	"strings"

	"github.com/seantiz/kiln/internal/model"
)

// Merge combines a sequence's shared fields with one item. Content and
// negative text are joined common-first with ", ", skipping empty parts and
// stray separators. The item's route wins over the common route.
func Merge(common model.SequenceCommon, item model.SequenceItem) model.MergedConfig {
	route := strings.TrimSpace(item.Route)
	if route == "" {
		route = strings.TrimSpace(common.Route)
	}
	return model.MergedConfig{
		ItemID:    item.ID,
		Name:      item.Name,
		Content:   joinText(common.Content, item.Content),
		Negative:  joinText(common.Negative, item.Negative),
		Overrides: maps.Clone(item.Overrides),
		Route:     route,
	}
}

func joinText(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, " \t\r\n,")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", ")
}
