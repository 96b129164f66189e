package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/cuongbtq/mediaqueue/internal/job"
	"github.com/cuongbtq/mediaqueue/internal/retry"
	"github.com/cuongbtq/mediaqueue/internal/store"
)

// TagUpdateOptions configures the tag_update step
type TagUpdateOptions struct {
	EntryIDs   []string `json:"entry_ids"`
	AddTags    []string `json:"add_tags,omitempty"`
	RemoveTags []string `json:"remove_tags,omitempty"`
}

// TagUpdateResult lists the entries whose tags changed
type TagUpdateResult struct {
	Updated []string `json:"updated"`
}

type tagUpdate struct {
	deps *Deps
}

// Run adds and removes tags across entries
func (h *tagUpdate) Run(ctx context.Context, j *job.Job) error {
	step, err := j.CurrentStep()
	if err != nil {
		return err
	}
	opts, err := job.DecodeOptions[TagUpdateOptions](step)
	if err != nil {
		return err
	}
	if len(opts.AddTags) == 0 && len(opts.RemoveTags) == 0 {
		h.deps.Logger.Info("No tags to update", slog.String("job_id", j.ID))
		return step.SetResult(TagUpdateResult{Updated: []string{}})
	}

	updated := make([]string, 0, len(opts.EntryIDs))
	for _, entryID := range opts.EntryIDs {
		changed, err := retry.DoValue(ctx, h.deps.Retry, func(ctx context.Context) (bool, error) {
			entry, err := h.deps.Entries.GetEntry(ctx, entryID)
			if err != nil {
				return false, err
			}
			if !applyTags(entry, opts.AddTags, opts.RemoveTags) {
				return false, nil
			}
			return true, h.deps.Entries.SaveEntry(ctx, entry)
		})
		if err != nil {
			return fmt.Errorf("failed to update tags on entry %s: %w", entryID, err)
		}
		if changed {
			h.deps.Logger.Info("Entry tags updated",
				slog.String("job_id", j.ID),
				slog.String("entry_id", entryID),
			)
			updated = append(updated, entryID)
		}
	}

	return step.SetResult(TagUpdateResult{Updated: updated})
}

// applyTags edits entry.Tags in place and reports whether anything changed
func applyTags(entry *store.Entry, add, remove []string) bool {
	changed := false
	for _, tag := range add {
		if !slices.Contains(entry.Tags, tag) {
			entry.Tags = append(entry.Tags, tag)
			changed = true
		}
	}
	for _, tag := range remove {
		if i := slices.Index(entry.Tags, tag); i >= 0 {
			entry.Tags = slices.Delete(entry.Tags, i, i+1)
			changed = true
		}
	}
	return changed
}
