package versions

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/li-yechao/dghost/core/ghost"
	"github.com/li-yechao/dghost/internal/constants"
)

var (
	ErrNoCurrentVersion  = errors.New("no current version")
	ErrIncompleteInstall = errors.New("version is not completely installed")
)

// Store is the on-disk layout holding versioned installs, the current pointer and the
// content tree:
//
//	<root>/versions/<version>/   immutable installs
//	<root>/current -> versions/<version>
//	<root>/content/              mutable runtime state
//	<root>/config.production.json
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// InstalledVersion describes one complete install.
type InstalledVersion struct {
	Version     string    `json:"version"`
	InstalledAt time.Time `json:"installed_at"`
	Current     bool      `json:"current"`
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) VersionsDir() string {
	return filepath.Join(s.root, constants.VersionsDirName)
}

func (s *Store) VersionPath(version string) string {
	return filepath.Join(s.VersionsDir(), version)
}

func (s *Store) CurrentPath() string {
	return filepath.Join(s.root, constants.CurrentLinkName)
}

func (s *Store) ContentDir() string {
	return filepath.Join(s.root, constants.ContentDirName)
}

func (s *Store) RuntimeConfigPath() string {
	return filepath.Join(s.root, constants.RuntimeConfigFileName)
}

// EntryPoint is the script launched for the current version.
func (s *Store) EntryPoint() string {
	return filepath.Join(s.CurrentPath(), constants.EntryScriptName)
}

func (s *Store) markerPath(version string) string {
	return filepath.Join(s.VersionPath(version), constants.InstalledMarkerName)
}

// IsInstalled reports whether the version was completely installed.
func (s *Store) IsInstalled(version string) (bool, error) {
	if err := ghost.ValidateVersion(version); err != nil {
		return false, err
	}
	_, err := os.Stat(s.markerPath(version))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type marker struct {
	Version     string    `json:"version"`
	InstalledAt time.Time `json:"installed_at"`
}

// MarkInstalled records that extraction and dependency resolution finished for version.
func (s *Store) MarkInstalled(version string) error {
	return writeMarker(s.VersionPath(version), version)
}

func writeMarker(dir, version string) error {
	bytes, err := json.Marshal(&marker{
		Version:     version,
		InstalledAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, constants.InstalledMarkerName), bytes, 0o644)
}

// StagingPath returns a fresh hidden directory below the versions dir to build version in.
// Staging directories are never listed and never activated.
func (s *Store) StagingPath(version string) string {
	return filepath.Join(s.VersionsDir(), fmt.Sprintf(".%s-%s", version, uuid.New().String()))
}

// Promote marks the build in staging complete and moves it into place as version, replacing
// any directory already there. The version directory is only ever missing or complete, so a
// pointer to it never resolves to a partial install.
func (s *Store) Promote(version, staging string) error {
	if err := ghost.ValidateVersion(version); err != nil {
		return err
	}
	if err := writeMarker(staging, version); err != nil {
		return err
	}

	dest := s.VersionPath(version)
	old := ""
	_, err := os.Lstat(dest)
	switch {
	case err == nil:
		old = filepath.Join(s.VersionsDir(), fmt.Sprintf(".%s-old-%s", version, uuid.New().String()))
		if err := os.Rename(dest, old); err != nil {
			return err
		}
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}

	if err := os.Rename(staging, dest); err != nil {
		if old != "" {
			_ = os.Rename(old, dest)
		}
		return err
	}
	if old != "" {
		// Hidden leftovers are ignored by List.
		_ = os.RemoveAll(old)
	}
	return nil
}

// Current returns the version the current pointer resolves to.
func (s *Store) Current() (string, error) {
	target, err := os.Readlink(s.CurrentPath())
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNoCurrentVersion
	}
	if err != nil {
		return "", err
	}
	return filepath.Base(filepath.Clean(target)), nil
}

// Activate repoints current at version. The link is created next to the pointer and renamed
// over it, so readers see either the old or the new target, never a missing pointer.
// Only complete installs can be activated.
func (s *Store) Activate(version string) error {
	installed, err := s.IsInstalled(version)
	if err != nil {
		return err
	}
	if !installed {
		return fmt.Errorf("%w: %s", ErrIncompleteInstall, version)
	}

	target, err := filepath.Rel(s.root, s.VersionPath(version))
	if err != nil {
		return err
	}

	tmp := filepath.Join(s.root, fmt.Sprintf(".%s-%s", constants.CurrentLinkName, uuid.New().String()))
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.CurrentPath()); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// List returns every complete install, oldest version first.
func (s *Store) List() ([]*InstalledVersion, error) {
	entries, err := os.ReadDir(s.VersionsDir())
	if errors.Is(err, fs.ErrNotExist) {
		return []*InstalledVersion{}, nil
	}
	if err != nil {
		return nil, err
	}

	current, err := s.Current()
	if err != nil && !errors.Is(err, ErrNoCurrentVersion) {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if ghost.ValidateVersion(entry.Name()) != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	ghost.SortVersions(names)

	res := make([]*InstalledVersion, 0, len(names))
	for _, name := range names {
		bytes, err := os.ReadFile(s.markerPath(name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var m marker
		if err := json.Unmarshal(bytes, &m); err != nil {
			return nil, fmt.Errorf("corrupt install marker for %s: %w", name, err)
		}
		res = append(res, &InstalledVersion{
			Version:     name,
			InstalledAt: m.InstalledAt,
			Current:     name == current,
		})
	}
	return res, nil
}
