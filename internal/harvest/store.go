package harvest

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/shehryarbajwa/cookie-sandbox/pkg/models"
)

// ErrInvalidName is returned for file names outside the store
var ErrInvalidName = errors.New("invalid cookie file name")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Sanitize replaces every character outside [A-Za-z0-9._-] with '_'
func Sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

// FileName names the cookie file of one sandbox for an identity and a
// visited domain. Sandboxes sharing an identity are told apart by id;
// without an identity a random numeric suffix is added as well.
func FileName(email, domain string, sandboxID int64) string {
	if domain == "" {
		domain = "unknown"
	}
	if email == "" {
		return fmt.Sprintf("anonymous-%s-%d-%s.txt", Sanitize(domain), sandboxID, strconv.Itoa(1000+rand.IntN(9000)))
	}
	return fmt.Sprintf("%s-%s-%d.txt", Sanitize(email), Sanitize(domain), sandboxID)
}

// Store keeps cookie files in one directory
type Store struct {
	fs  afero.Fs
	dir string
}

// NewStore creates dir on fs if needed
func NewStore(fs afero.Fs, dir string) (*Store, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cookie dir: %w", err)
	}
	return &Store{fs: fs, dir: dir}, nil
}

// Dir returns the store directory
func (s *Store) Dir() string {
	return s.dir
}

// Available returns name, or name with a numeric suffix when a file of
// that name already exists in the store.
func (s *Store) Available(name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	base := strings.TrimSuffix(name, ".txt")
	candidate := name
	for n := 2; ; n++ {
		exists, err := afero.Exists(s.fs, filepath.Join(s.dir, candidate))
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d.txt", base, n)
	}
}

// Write replaces the named file with the formatted cookies. The content
// is written to a temporary file first and renamed into place.
func (s *Store) Write(name string, cookies []models.Cookie) error {
	if err := checkName(name); err != nil {
		return err
	}

	tmp, err := afero.TempFile(s.fs, s.dir, "."+name+".tmp-")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := tmp.WriteString(Format(cookies)); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := s.fs.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		_ = s.fs.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// List returns the stored cookie files sorted by name
func (s *Store) List() ([]models.CookieFile, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, err
	}
	out := make([]models.CookieFile, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() || strings.HasPrefix(fi.Name(), ".") || !strings.HasSuffix(fi.Name(), ".txt") {
			continue
		}
		out = append(out, models.CookieFile{Name: fi.Name(), Size: fi.Size(), UpdatedAt: fi.ModTime().UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Open opens a stored cookie file for reading
func (s *Store) Open(name string) (afero.File, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	return s.fs.Open(filepath.Join(s.dir, name))
}

func checkName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".txt") {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}
