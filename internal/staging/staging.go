// Package staging holds the local copies of files attached to pending
// mutations until the orchestrator uploads them.
//
// Every key owns one folder under the staging root:
//
//	<root>/<site>/<type>/<resource>/<instance>/<file>
//
// Path segments are NFC normalized and escaped, so any key maps to exactly
// one folder and no key can escape the root. Files are copied in, never
// moved, so the caller's originals are never consumed.
package staging

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/offsync/internal/model"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	tempPrefix = ".stage-"
)

// Source is a file to stage. Exactly one of Path or Data is used: Path is
// copied from disk, Data is written as-is.
type Source struct {
	Path string
	Name string
	Data []byte
}

func (s Source) name() string {
	if s.Name != "" {
		return s.Name
	}
	return filepath.Base(s.Path)
}

// Area is a file staging area rooted at a directory.
type Area struct {
	root string
}

// New returns a staging area rooted at root, creating the directory if needed.
func New(root string) (*Area, error) {
	if root == "" {
		return nil, errors.New("staging root is required")
	}
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, model.Storage("create staging root", err)
	}
	return &Area{root: root}, nil
}

// Root returns the staging root directory.
func (a *Area) Root() string {
	return a.root
}

// Ref returns the slash-separated folder of key relative to the root. This is
// the attachments reference stored on the pending mutation.
func Ref(key model.Key) string {
	return path.Join(
		segment(key.SiteID),
		segment(key.ResourceType),
		segment(key.ResourceKey),
		segment(key.InstanceKey),
	)
}

// Dir returns the absolute folder of key.
func (a *Area) Dir(key model.Key) string {
	return filepath.Join(a.root, filepath.FromSlash(Ref(key)))
}

// Stage copies files into the folder of key, replacing anything staged for it
// before, and returns the folder reference. Staging no files clears the
// folder and returns "".
//
// The new set is written to a temporary folder first and swapped in at the
// end, so a failed copy leaves the previous set intact.
func (a *Area) Stage(key model.Key, files []Source) (string, error) {
	if err := key.Validate(); err != nil {
		return "", fmt.Errorf("stage: %w", err)
	}
	if len(files) == 0 {
		return "", a.Clear(key)
	}

	names := make(map[string]bool, len(files))
	for _, f := range files {
		name, err := cleanName(f.name())
		if err != nil {
			return "", fmt.Errorf("stage %s: %w", key, err)
		}
		if names[name] {
			return "", fmt.Errorf("stage %s: duplicate file name %q", key, name)
		}
		names[name] = true
	}

	dir := a.Dir(key)
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, dirPerm); err != nil {
		return "", model.Storage("stage files", err)
	}

	tmp, err := os.MkdirTemp(parent, tempPrefix)
	if err != nil {
		return "", model.Storage("stage files", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(tmp)
		}
	}()

	for _, f := range files {
		name, _ := cleanName(f.name())
		if err := writeFile(filepath.Join(tmp, name), f); err != nil {
			return "", model.Storage("stage files", fmt.Errorf("%s: %w", name, err))
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return "", model.Storage("stage files", err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return "", model.Storage("stage files", err)
	}
	committed = true

	return Ref(key), nil
}

// Get lists the files staged for key, sorted by name. A key with nothing
// staged returns an empty slice.
func (a *Area) Get(key model.Key) ([]model.StagedFile, error) {
	dir := a.Dir(key)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []model.StagedFile{}, nil
	}
	if err != nil {
		return nil, model.Storage("read staged files", err)
	}

	files := make([]model.StagedFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, model.Storage("read staged files", err)
		}
		files = append(files, model.StagedFile{
			Name: e.Name(),
			Path: filepath.Join(dir, e.Name()),
			Size: info.Size(),
		})
	}
	return files, nil
}

// Clear removes everything staged for key. Clearing a key with nothing
// staged is a no-op.
func (a *Area) Clear(key model.Key) error {
	dir := a.Dir(key)
	if err := os.RemoveAll(dir); err != nil {
		return model.Storage("clear staged files", err)
	}
	return nil
}

// ClearSite removes everything staged for a site.
func (a *Area) ClearSite(siteID string) error {
	if siteID == "" {
		return errors.New("clear site: site id is required")
	}
	if err := os.RemoveAll(filepath.Join(a.root, segment(siteID))); err != nil {
		return model.Storage("clear site staged files", err)
	}
	return nil
}

// Move re-homes the files staged for from under to, replacing anything
// staged for to. Returns the new reference, or "" when from had nothing
// staged.
func (a *Area) Move(from, to model.Key) (string, error) {
	if err := to.Validate(); err != nil {
		return "", fmt.Errorf("move staged files: %w", err)
	}
	src := a.Dir(from)
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", model.Storage("move staged files", err)
	}

	dst := a.Dir(to)
	if src == dst {
		return Ref(to), nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return "", model.Storage("move staged files", err)
	}
	if err := os.RemoveAll(dst); err != nil {
		return "", model.Storage("move staged files", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return "", model.Storage("move staged files", err)
	}

	return Ref(to), nil
}

func writeFile(dst string, src Source) error {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return err
	}

	if src.Path != "" {
		in, err := os.Open(src.Path)
		if err != nil {
			out.Close()
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			return err
		}
	} else if _, err := out.Write(src.Data); err != nil {
		out.Close()
		return err
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// segment escapes one key component into a single safe path element.
func segment(s string) string {
	s = url.PathEscape(norm.NFC.String(s))
	switch s {
	case "", ".", "..":
		return strings.Repeat("%2E", len(s)) + "_"
	}
	if strings.HasPrefix(s, tempPrefix) {
		return "%2E" + s[1:]
	}
	return s
}

// cleanName validates a staged file name.
func cleanName(name string) (string, error) {
	name = norm.NFC.String(name)
	switch {
	case name == "", name == ".", name == "..":
		return "", fmt.Errorf("invalid file name %q", name)
	case strings.ContainsAny(name, `/\`):
		return "", fmt.Errorf("file name %q must not contain a path separator", name)
	case strings.HasPrefix(name, tempPrefix):
		return "", fmt.Errorf("file name %q is reserved", name)
	}
	return name, nil
}
