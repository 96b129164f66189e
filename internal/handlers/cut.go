package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/mediaqueue/internal/job"
	"github.com/google/uuid"
)

// SchemeCard marks files still on an import card
const SchemeCard = "card"

// ToCutOptions configures the to_cut step
type ToCutOptions struct {
	SourceRootPath string `json:"source_root_path,omitempty"`
	SourceURL      string `json:"source_url"`
}

// ToCutResult is the location of the cut copy
type ToCutResult struct {
	Path string `json:"path"`
}

type toCut struct {
	deps *Deps
}

// Run copies a card file into cut storage under a random name
func (h *toCut) Run(ctx context.Context, j *job.Job) error {
	step, err := j.CurrentStep()
	if err != nil {
		return err
	}
	opts, err := job.DecodeOptions[ToCutOptions](step)
	if err != nil {
		return err
	}
	if opts.SourceURL == "" {
		return fmt.Errorf("%w: source_url is required", ErrInvalidOptions)
	}

	source, err := h.deps.Files.GetFileByURL(ctx, opts.SourceURL)
	if err != nil {
		return fmt.Errorf("failed to get source file: %w", err)
	}
	parsed, err := url.Parse(source.URL)
	if err != nil {
		return fmt.Errorf("failed to parse source url %s: %w", source.URL, err)
	}
	if parsed.Scheme != SchemeCard {
		return fmt.Errorf("%w: only %s:// sources can be cut, got %q", ErrInvalidOptions, SchemeCard, parsed.Scheme)
	}

	sourcePath := parsed.Path
	if opts.SourceRootPath != "" {
		sourcePath = filepath.Join(opts.SourceRootPath, strings.TrimPrefix(parsed.Path, "/"))
	}
	cutPath := filepath.Join(h.deps.CutRoot, strings.ReplaceAll(uuid.NewString(), "-", ""))

	h.deps.Logger.Info("Cutting file",
		slog.String("job_id", j.ID),
		slog.String("source", sourcePath),
		slog.String("cut_path", cutPath),
	)
	if err := copyFile(h.deps.Logger, sourcePath, cutPath, false); err != nil {
		return err
	}

	return step.SetResult(ToCutResult{Path: cutPath})
}

// CalculateHashOptions configures the calculate_hash step
type CalculateHashOptions struct {
	Path string `json:"path,omitempty"`
}

// CalculateHashResult carries the content reference
type CalculateHashResult struct {
	CalculatedHash string `json:"calculated_hash"`
}

// calculateHash computes the SHA-256 of the file
func calculateHash(ctx context.Context, j *job.Job) error {
	step, err := j.CurrentStep()
	if err != nil {
		return err
	}
	opts, err := job.DecodeOptions[CalculateHashOptions](step)
	if err != nil {
		return err
	}
	path, err := sourcePath(j, opts.Path)
	if err != nil {
		return err
	}

	sum, err := hashFile(path)
	if err != nil {
		return err
	}
	return step.SetResult(CalculateHashResult{CalculatedHash: sum})
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// cleanCut removes the cut copy if the job made one
func cleanCut(ctx context.Context, j *job.Job) error {
	cut, err := job.ResultOf[ToCutResult](j, job.MethodToCut)
	if err != nil {
		if errors.Is(err, job.ErrStepNotFound) {
			return nil
		}
		return err
	}
	if cut.Path == "" {
		return nil
	}
	if err := os.Remove(cut.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cut copy %s: %w", cut.Path, err)
	}
	return nil
}
