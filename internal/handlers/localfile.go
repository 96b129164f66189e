package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ErrDestinationExists is returned when a different file already occupies the destination
var ErrDestinationExists = errors.New("destination holds a different file")

// ErrUnsafePath is returned when a name or path would escape its storage root
var ErrUnsafePath = errors.New("unsafe path")

// safeName rejects names that are not a single path element
func safeName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q is not a file name", ErrUnsafePath, name)
	}
	return nil
}

// within joins elems onto root and checks the result stays below root
func within(root string, elems ...string) (string, error) {
	target := filepath.Join(append([]string{root}, elems...)...)
	rel, err := filepath.Rel(filepath.Clean(root), target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrUnsafePath, target, root)
	}
	return target, nil
}

// copyFile places source at destination, creating parent folders.
// With link set it hard-links and falls back to a copy across devices.
// A destination already holding the same bytes counts as done.
func copyFile(logger *slog.Logger, source, destination string, link bool) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("failed to create folder for %s: %w", destination, err)
	}

	if link {
		logger.Debug("Linking file", slog.String("source", source), slog.String("destination", destination))
		err := os.Link(source, destination)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, os.ErrExist):
			return existingDestination(logger, source, destination)
		case !errors.Is(err, syscall.EXDEV):
			return fmt.Errorf("failed to link %s: %w", source, err)
		}
		logger.Warn("Cross-device link, copying instead",
			slog.String("source", source),
			slog.String("destination", destination),
		)
	}

	logger.Debug("Copying file", slog.String("source", source), slog.String("destination", destination))
	err := copyContents(source, destination)
	if errors.Is(err, os.ErrExist) {
		return existingDestination(logger, source, destination)
	}
	return err
}

// existingDestination accepts a destination whose content matches source
func existingDestination(logger *slog.Logger, source, destination string) error {
	same, err := sameContent(source, destination)
	if err != nil {
		return err
	}
	if !same {
		return fmt.Errorf("%w: %s", ErrDestinationExists, destination)
	}
	logger.Info("File already in place", slog.String("destination", destination))
	return nil
}

// sameContent compares two files by identity, then size, then SHA-256
func sameContent(a, b string) (bool, error) {
	aInfo, err := os.Stat(a)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", a, err)
	}
	bInfo, err := os.Stat(b)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", b, err)
	}
	if os.SameFile(aInfo, bInfo) {
		return true, nil
	}
	if !bInfo.Mode().IsRegular() || aInfo.Size() != bInfo.Size() {
		return false, nil
	}

	aSum, err := hashFile(a)
	if err != nil {
		return false, err
	}
	bSum, err := hashFile(b)
	if err != nil {
		return false, err
	}
	return aSum == bSum, nil
}

// copyContents copies bytes and modification time into a temporary file
// beside destination, then links it into place. A failed copy leaves
// nothing at destination.
func copyContents(source, destination string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", source, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", source, err)
	}

	out, err := os.CreateTemp(filepath.Dir(destination), "."+filepath.Base(destination)+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destination, err)
	}
	tmp := out.Name()
	defer os.Remove(tmp)

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", source, err)
	}
	if err := out.Chmod(info.Mode().Perm()); err != nil {
		out.Close()
		return fmt.Errorf("failed to chmod %s: %w", destination, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", destination, err)
	}
	if err := os.Chtimes(tmp, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("failed to set times on %s: %w", destination, err)
	}

	// Link refuses an existing destination, unlike Rename
	if err := os.Link(tmp, destination); err != nil {
		return fmt.Errorf("failed to create %s: %w", destination, err)
	}
	return nil
}
