// Package workspace manages the per-task scratch directory, cache lookup
// against the store directory, and ZIP finalisation that together back the
// resource workspace (C4).
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"

	pkgerrors "github.com/otherjamesbrown/ckanpackager/pkg/errors"
)

// Format selects the CSV delimiter and, for the datastore variant, whether
// the workspace streams a trailing xlsx conversion.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatXLSX Format = "xlsx"
)

func (f Format) delimiter() rune {
	if f == FormatTSV {
		return '\t'
	}
	return ','
}

// LookupCache scans storeDir for a file whose basename starts with
// fingerprint and whose mtime is within ttl of now. The first match found
// (filesystem-defined order) wins; it returns "", false on a miss.
func LookupCache(storeDir, fingerprint string, ttl time.Duration, now time.Time) (string, bool) {
	entries, err := os.ReadDir(storeDir)
	if err != nil {
		return "", false
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), fingerprint) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < ttl {
			return filepath.Join(storeDir, entry.Name()), true
		}
	}
	return "", false
}

// Workspace is a scoped scratch directory holding the writers for one
// packaging task. It must be closed via Clean on every exit path.
type Workspace struct {
	tempRoot string
	storeDir string
	format   Format

	dir     string // lazily created on first writer request
	writers map[string]*namedWriter
}

// New creates a Workspace that will lazily allocate a scratch directory
// under tempRoot on the first writer request, and will compute final
// archive names under storeDir.
func New(tempRoot, storeDir string, format Format) *Workspace {
	return &Workspace{
		tempRoot: tempRoot,
		storeDir: storeDir,
		format:   format,
		writers:  make(map[string]*namedWriter),
	}
}

// ensureDir lazily creates the scratch directory on first use.
func (w *Workspace) ensureDir() (string, error) {
	if w.dir != "" {
		return w.dir, nil
	}
	dir, err := os.MkdirTemp(w.tempRoot, "ckanpackager-*")
	if err != nil {
		return "", fmt.Errorf("%w: creating workspace: %v", pkgerrors.ErrInternal, err)
	}
	w.dir = dir
	return dir, nil
}

// resourceFileName resolves the logical writer name when the caller passes
// "": the basename of resourceURL's path if present, else resourceID, with
// a trailing ".csv" remapped to the extension the configured format uses.
func resourceFileName(resourceURL, resourceID string, format Format) string {
	base := resourceID
	if resourceURL != "" {
		if u := filepath.Base(resourceURL); u != "." && u != "/" {
			base = u
		}
	}

	ext := ".csv"
	switch format {
	case FormatTSV:
		ext = ".tsv"
	case FormatXLSX:
		ext = ".csv" // the csv is converted to xlsx at finalisation
	}

	if strings.HasSuffix(base, ".csv") {
		base = strings.TrimSuffix(base, ".csv") + ext
	}
	return base
}

// ResolveName implements the C4 name-resolution rule for a logical writer
// name: if name is non-empty it is used as-is, otherwise it is derived from
// resourceURL/resourceID per the configured format.
func (w *Workspace) ResolveName(name, resourceURL, resourceID string) string {
	if name != "" {
		return name
	}
	return resourceFileName(resourceURL, resourceID, w.format)
}

// GetWriter lazily opens (or returns the already-open) plain file writer
// for the logical name.
func (w *Workspace) GetWriter(name string) (*namedWriter, error) {
	if nw, ok := w.writers[name]; ok {
		return nw, nil
	}

	dir, err := w.ensureDir()
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening writer for %s: %v", pkgerrors.ErrInternal, name, err)
	}

	nw := &namedWriter{name: name, path: path, file: f}
	w.writers[name] = nw
	return nw, nil
}

// GetCSVWriter lazily opens a CSV writer for the logical name, using the
// workspace's configured format to pick a delimiter.
func (w *Workspace) GetCSVWriter(name string) (*CSVWriter, error) {
	if nw, ok := w.writers[name]; ok {
		if nw.csv == nil {
			return nil, fmt.Errorf("%w: %s was already opened as a plain writer", pkgerrors.ErrInternal, name)
		}
		return nw.csv, nil
	}

	nw, err := w.GetWriter(name)
	if err != nil {
		return nil, err
	}
	nw.csv = newCSVWriter(nw.file, w.format.delimiter())
	return nw.csv, nil
}

// Files returns the paths of every writer opened so far, after flushing them.
func (w *Workspace) Files() ([]string, error) {
	var paths []string
	for _, nw := range w.writers {
		if err := nw.flush(); err != nil {
			return nil, err
		}
		paths = append(paths, nw.path)
	}
	return paths, nil
}

// CreateZip flushes every writer, then invokes commandTemplate once per
// workspace file, substituting {input}/{output} placeholders, to produce
// the final archive at <storeDir>/<fingerprint>-<pid>-<epoch>.zip.
func (w *Workspace) CreateZip(ctx context.Context, commandTemplate, fingerprint string, epoch int64) (string, error) {
	files, err := w.Files()
	if err != nil {
		return "", err
	}

	target := filepath.Join(w.storeDir, fmt.Sprintf("%s-%d-%d.zip", fingerprint, os.Getpid(), epoch))

	for _, input := range files {
		if err := runZipCommand(ctx, commandTemplate, input, target); err != nil {
			return "", err
		}
	}

	return target, nil
}

// runZipCommand tokenises commandTemplate with shell-style quoting and
// substitutes the {input}/{output} placeholders into the token list
// literally, so operator-supplied filenames cannot be reinterpreted by a
// shell.
func runZipCommand(ctx context.Context, commandTemplate, input, output string) error {
	tokens, err := shlex.Split(commandTemplate)
	if err != nil {
		return fmt.Errorf("%w: parsing zip command template: %v", pkgerrors.ErrArchive, err)
	}
	if len(tokens) == 0 {
		return fmt.Errorf("%w: empty zip command template", pkgerrors.ErrArchive)
	}

	for i, tok := range tokens {
		tok = strings.ReplaceAll(tok, "{input}", input)
		tok = strings.ReplaceAll(tok, "{output}", output)
		tokens[i] = tok
	}

	cmd := exec.CommandContext(ctx, tokens[0], tokens[1:]...)
	output2, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: zip command failed: %v: %s", pkgerrors.ErrArchive, err, string(output2))
	}
	return nil
}

// Clean closes every open writer and recursively deletes the scratch
// directory. Safe to call more than once; safe to call even if no writer
// was ever requested.
func (w *Workspace) Clean() error {
	for _, nw := range w.writers {
		nw.close()
	}
	w.writers = make(map[string]*namedWriter)

	if w.dir == "" {
		return nil
	}
	dir := w.dir
	w.dir = ""
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: cleaning workspace: %v", pkgerrors.ErrInternal, err)
	}
	return nil
}
