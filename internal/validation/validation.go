// Package validation checks caller input before any job or sequence state is created.
// Every failure is a *model.Error carrying a stable code and the offending field.
package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"

	"github.com/seantiz/kiln/internal/model"
)

// Defaults applied when Limits fields are zero.
const (
	DefaultMaxArtifactCount = 1000
	MaxJobIDLength          = 256
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Limits bounds accepted job requests.
type Limits struct {
	MaxArtifactCount int
}

func (l Limits) maxArtifactCount() int {
	if l.MaxArtifactCount <= 0 {
		return DefaultMaxArtifactCount
	}
	return l.MaxArtifactCount
}

// JobID validates a job identifier.
func JobID(id string) error {
	trimmed := strings.TrimSpace(id)
	switch {
	case trimmed == "":
		return model.FieldError(model.CodeInvalidJobID, "id", "job id must not be empty")
	case len(id) > MaxJobIDLength:
		return model.FieldError(model.CodeInvalidJobID, "id",
			fmt.Sprintf("job id must be at most %d characters", MaxJobIDLength))
	case !jobIDPattern.MatchString(id):
		return model.FieldError(model.CodeInvalidJobID, "id",
			"job id may only contain letters, digits, underscores and hyphens")
	}
	return nil
}

// ArtifactCount parses and bounds a requested artifact count.
func ArtifactCount(n json.Number, limits Limits) (int, error) {
	if n == "" {
		return 0, model.FieldError(model.CodeInvalidArtifactCount, "artifact_count", "artifact count is required")
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, model.FieldError(model.CodeInvalidArtifactCount, "artifact_count",
			fmt.Sprintf("artifact count %q is not a number", n.String()))
	}
	if f != math.Trunc(f) {
		return 0, model.FieldError(model.CodeInvalidArtifactCount, "artifact_count",
			fmt.Sprintf("artifact count %s must be an integer", n.String()))
	}
	if f <= 0 {
		return 0, model.FieldError(model.CodeInvalidArtifactCount, "artifact_count",
			fmt.Sprintf("artifact count %s must be positive", n.String()))
	}
	maxCount := limits.maxArtifactCount()
	if f > float64(maxCount) {
		return 0, model.FieldError(model.CodeInvalidArtifactCount, "artifact_count",
			fmt.Sprintf("artifact count %s exceeds maximum of %d", n.String(), maxCount))
	}
	return int(f), nil
}

// Job validates a job request and returns its typed form.
func Job(req model.JobRequest, limits Limits) (model.JobSpec, error) {
	if err := JobID(req.ID); err != nil {
		return model.JobSpec{}, err
	}
	count, err := ArtifactCount(req.ArtifactCount, limits)
	if err != nil {
		return model.JobSpec{}, err
	}
	if len(req.Config) > 0 && !json.Valid(req.Config) {
		return model.JobSpec{}, model.FieldError(model.CodeInvalidPayload, "config", "config must be valid JSON")
	}
	return model.JobSpec{
		ID:            req.ID,
		ArtifactCount: count,
		Config:        req.Config,
		Route:         strings.TrimSpace(req.Route),
	}, nil
}

// Sequence validates every item of a sequence. An empty list is valid.
func Sequence(items []model.SequenceItem) error {
	for i, item := range items {
		var field string
		switch {
		case strings.TrimSpace(item.ID) == "":
			field = "id"
		case strings.TrimSpace(item.Name) == "":
			field = "name"
		case strings.TrimSpace(item.Content) == "":
			field = "content"
		default:
			continue
		}
		return model.FieldError(model.CodeSequenceValidationFailed,
			fmt.Sprintf("items[%d].%s", i, field),
			fmt.Sprintf("item %d is missing %s", i, field))
	}
	return nil
}

// Locator checks that an artifact locator is an absolute http or https URL.
func Locator(locator string) error {
	u, err := url.Parse(locator)
	if err != nil {
		return fmt.Errorf("parsing locator: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("locator scheme %q not allowed", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("locator %q has no host", locator)
	}
	return nil
}
