// Package extract turns source PDFs into per-question images by shelling
// out to poppler's pdftoppm.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

// Run executes one command and captures stdout/stderr and exit code.
func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}

	return result, nil
}

// PDFExtractor renders each PDF page to a JPEG image.
type PDFExtractor struct {
	pdftoppmPath string
	runner       commandRunner
	stat         func(name string) (os.FileInfo, error)
	mkdirAll     func(path string, perm os.FileMode) error
	readDir      func(name string) ([]os.DirEntry, error)
}

// NewPDFExtractor constructs the production extractor with OS dependencies.
func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{
		pdftoppmPath: "pdftoppm",
		runner:       &execRunner{},
		stat:         os.Stat,
		mkdirAll:     os.MkdirAll,
		readDir:      os.ReadDir,
	}
}

// ExtractImages renders the PDF into outputDir and returns the image
// paths in page order.
func (e *PDFExtractor) ExtractImages(ctx context.Context, pdfPath, outputDir string) ([]string, error) {
	if strings.TrimSpace(pdfPath) == "" {
		return nil, fmt.Errorf("pdf path is required")
	}
	if _, err := e.stat(pdfPath); err != nil {
		return nil, fmt.Errorf("cannot access pdf: %s: %w", pdfPath, err)
	}
	if err := e.mkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create output directory: %s: %w", outputDir, err)
	}

	args := []string{"-jpeg", "-r", "150", pdfPath, filepath.Join(outputDir, "page")}
	result, err := e.runner.Run(ctx, e.pdftoppmPath, args...)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm failed (exit %d): %s: %w", result.ExitCode, strings.TrimSpace(result.Stderr), err)
	}

	entries, err := e.readDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("cannot read output directory: %s: %w", outputDir, err)
	}

	images := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".jpg" || ext == ".jpeg" {
			images = append(images, filepath.Join(outputDir, entry.Name()))
		}
	}
	sort.Strings(images)
	return images, nil
}

// NewPDFExtractorForTests constructs an extractor with injectable deps.
func NewPDFExtractorForTests(
	pdftoppmPath string,
	runner commandRunner,
	stat func(name string) (os.FileInfo, error),
	mkdirAll func(path string, perm os.FileMode) error,
	readDir func(name string) ([]os.DirEntry, error),
) *PDFExtractor {
	return &PDFExtractor{
		pdftoppmPath: pdftoppmPath,
		runner:       runner,
		stat:         stat,
		mkdirAll:     mkdirAll,
		readDir:      readDir,
	}
}
