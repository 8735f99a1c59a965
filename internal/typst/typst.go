// Package typst wraps the external typst compiler.
//
// One compile job renders one card: the card body is wrapped into a
// temporary document combining it with the shared template, and typst is
// asked to produce one artifact per page following the naming convention
// typ-<id>-<page>.<ext>. Page 1 is the card front, page 2 the back.
package typst

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sgomezsal/typ2anki/internal/card"
	"github.com/sgomezsal/typ2anki/internal/config"
)

// ErrArtifactsMissing is returned when the compiler exits 0 but the
// expected output files are not on disk.
var ErrArtifactsMissing = errors.New("compiler produced no artifacts")

// Result is the outcome of one compile job. Exactly one of Artifacts and
// Err is meaningful: Artifacts on success, Err on failure.
type Result struct {
	// Artifacts are the rendered files, front first.
	Artifacts []string

	// Err carries the failure, including captured compiler output.
	Err error
}

// Failed reports whether the job failed.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Job is one prepared compilation. A job owns its temporary wrapped
// document; Clean releases it and must be called regardless of outcome.
type Job struct {
	// CardID identifies the card the job renders.
	CardID string

	tempFile  string
	outputDir string
	args      []string
	ext       string
}

// Compiler prepares and runs compile jobs against the typst binary.
type Compiler struct {
	cfg *config.Config

	// binary defaults to "typst"; overridable for tests.
	binary string
}

// New creates a Compiler for the run's configuration.
func New(cfg *config.Config) *Compiler {
	return &Compiler{cfg: cfg, binary: "typst"}
}

// Available reports whether the typst binary can be found.
func (c *Compiler) Available() bool {
	_, err := exec.LookPath(c.binary)
	return err == nil
}

// Prepare materializes the compile job for a card: the wrapped temporary
// document is written next to the card's source file so relative imports
// keep working, and the argument list is assembled from the run config.
func (c *Compiler) Prepare(cd *card.Card, outputDir string) (*Job, error) {
	tempFile := filepath.Join(outputDir, fmt.Sprintf("temporal-%s.typ", cd.ID))
	outputPattern := filepath.Join(outputDir,
		fmt.Sprintf("typ-%s-{p}.%s", cd.ID, c.cfg.Output))

	ankiconfRel, err := filepath.Rel(outputDir, filepath.Join(c.cfg.Path, AnkiconfName))
	if err != nil {
		ankiconfRel = filepath.Join(c.cfg.Path, AnkiconfName)
	}

	doc := wrapCard(c.cfg, cd.Body, filepath.ToSlash(ankiconfRel))
	if err := os.WriteFile(tempFile, []byte(doc), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", tempFile, err)
	}

	args := append([]string{}, c.globalFlags()...)
	args = append(args, "c")
	args = append(args, c.compileFlags()...)
	args = append(args, tempFile, outputPattern)

	return &Job{
		CardID:    cd.ID,
		tempFile:  tempFile,
		outputDir: outputDir,
		args:      args,
		ext:       string(c.cfg.Output),
	}, nil
}

func (c *Compiler) globalFlags() []string {
	return []string{"--color", "always"}
}

func (c *Compiler) compileFlags() []string {
	flags := []string{"--root", c.cfg.Path}
	if c.cfg.Output == config.OutputHTML {
		flags = append(flags, "--features", "html")
	}
	if c.cfg.MaxCardWidth != "auto" {
		flags = append(flags, "--input", "max_card_width="+c.cfg.MaxCardWidth)
	}
	flags = append(flags, "--input", "typ2anki_compile=1")
	return flags
}

// Run executes the job and waits for the compiler to finish. A non-zero
// exit or missing output files yields a failed Result; sibling jobs are
// unaffected either way.
func (c *Compiler) Run(ctx context.Context, job *Job) Result {
	cmd := exec.CommandContext(ctx, c.binary, job.args...)
	cmd.Dir = c.cfg.Path

	output, err := cmd.CombinedOutput()
	if err != nil {
		return Result{Err: fmt.Errorf("%s %s failed: %w\n%s",
			c.binary, strings.Join(job.args, " "), err, strings.TrimSpace(string(output)))}
	}

	artifacts := []string{job.ArtifactPath(1), job.ArtifactPath(2)}
	for _, a := range artifacts {
		if _, err := os.Stat(a); err != nil {
			return Result{Err: fmt.Errorf("%w: %s", ErrArtifactsMissing, a)}
		}
	}

	return Result{Artifacts: artifacts}
}

// ArtifactPath returns the deterministic output path for a page.
func (j *Job) ArtifactPath(page int) string {
	return filepath.Join(j.outputDir, fmt.Sprintf("typ-%s-%d.%s", j.CardID, page, j.ext))
}

// Clean removes the job's temporary document.
func (j *Job) Clean() {
	if j.tempFile != "" {
		_ = os.Remove(j.tempFile)
	}
}
