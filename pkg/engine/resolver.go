package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Resolver rewrites the references in a step's declared inputs into concrete
// values pulled from already-completed steps' artifacts. Literals pass
// through unchanged.
type Resolver struct {
	artifacts ArtifactStore
}

// NewResolver creates a resolver reading from the given artifact store.
func NewResolver(artifacts ArtifactStore) *Resolver {
	return &Resolver{artifacts: artifacts}
}

// StatusFunc reports the current status of a step by ID.
type StatusFunc func(stepID string) StepStatus

// Resolve produces a fully resolved input mapping for the step. A reference
// may only point at a step already marked succeeded: resolving against a
// failed or skipped step returns a ReferenceResolutionError, and the caller
// marks the owning step skipped rather than failed, preserving the
// distinction between "this step errored" and "an upstream value was
// unavailable".
func (r *Resolver) Resolve(
	ctx context.Context,
	planID string,
	step *Step,
	statusOf StatusFunc,
) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(step.Inputs))

	for name, input := range step.Inputs {
		if input.Ref == nil {
			resolved[name] = input.Literal
			continue
		}

		value, err := r.resolveReference(ctx, planID, step.ID, input.Ref, statusOf)
		if err != nil {
			return nil, err
		}
		resolved[name] = value
	}

	return resolved, nil
}

// resolveReference fetches the referenced step's latest artifact and
// extracts the value at the dotted path.
func (r *Resolver) resolveReference(
	ctx context.Context,
	planID, stepID string,
	ref *Reference,
	statusOf StatusFunc,
) (interface{}, error) {
	switch status := statusOf(ref.StepID); status {
	case StepStatusSucceeded:
		// Referenced artifact is available.
	case StepStatusFailed, StepStatusSkipped:
		return nil, NewReferenceResolutionError(stepID, ref.StepID,
			fmt.Sprintf("referenced step is %s", status))
	default:
		return nil, NewReferenceResolutionError(stepID, ref.StepID,
			fmt.Sprintf("referenced step has not completed (status %s)", status))
	}

	artifact, err := r.artifacts.Get(ctx, planID, ref.StepID, VersionLatest)
	if err != nil {
		return nil, NewReferenceResolutionError(stepID, ref.StepID,
			fmt.Sprintf("artifact unavailable: %v", err))
	}

	var payload interface{}
	if err := json.Unmarshal(artifact.Payload, &payload); err != nil {
		return nil, NewReferenceResolutionError(stepID, ref.StepID,
			fmt.Sprintf("artifact payload is not valid JSON: %v", err))
	}

	value, err := extractPath(payload, ref.Path)
	if err != nil {
		return nil, NewReferenceResolutionError(stepID, ref.StepID, err.Error())
	}

	return value, nil
}

// extractPath walks a dotted path through decoded JSON. Object keys are
// matched by name; numeric segments index arrays. An empty path selects the
// whole payload.
func extractPath(value interface{}, path string) (interface{}, error) {
	if path == "" {
		return value, nil
	}
	current := value
	for _, segment := range splitPath(path) {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[segment]
			if !ok {
				return nil, fmt.Errorf("payload has no field %q in path %q", segment, path)
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil {
				return nil, fmt.Errorf("path segment %q indexes an array but is not numeric", segment)
			}
			if idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("index %d out of range in path %q", idx, path)
			}
			current = node[idx]
		default:
			return nil, fmt.Errorf("path %q descends into a scalar at %q", path, segment)
		}
	}
	return current, nil
}
