package content

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/li-yechao/dghost/internal/constants"
	"github.com/li-yechao/dghost/internal/versions"
	"github.com/rs/zerolog"
)

// Reconciler keeps the mutable content tree in shape for the version behind the current pointer.
type Reconciler struct {
	store  *versions.Store
	logger *zerolog.Logger
}

func NewReconciler(store *versions.Store, logger *zerolog.Logger) *Reconciler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Reconciler{
		store:  store,
		logger: logger,
	}
}

func (r *Reconciler) themesDir() string {
	return filepath.Join(r.store.ContentDir(), constants.ThemesDirName)
}

func (r *Reconciler) bundledThemesDir() string {
	return filepath.Join(r.store.CurrentPath(), constants.ContentDirName, constants.ThemesDirName)
}

// EnsureContentDirs creates the content subdirectories and relinks every theme bundled with
// the current version into content/themes. Themes uploaded by users are left alone unless
// their name collides with a bundled one.
func (r *Reconciler) EnsureContentDirs() error {
	for _, sub := range constants.ContentSubdirs {
		dir := filepath.Join(r.store.ContentDir(), sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating content directory %s: %w", dir, err)
		}
	}

	bundled, err := r.bundledThemes()
	if err != nil {
		return err
	}

	if err := r.clearThemes(bundled); err != nil {
		return err
	}

	for name := range bundled {
		link := filepath.Join(r.themesDir(), name)
		target := filepath.Join("..", "..", constants.CurrentLinkName, constants.ContentDirName, constants.ThemesDirName, name)
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("linking bundled theme %s: %w", name, err)
		}
		r.logger.Debug().Msgf("linked theme %s -> %s", link, target)
	}
	return nil
}

// bundledThemes lists the theme directories shipped with the current version. A version
// without a themes directory has none.
func (r *Reconciler) bundledThemes() (map[string]struct{}, error) {
	res := make(map[string]struct{})
	entries, err := os.ReadDir(r.bundledThemesDir())
	if errors.Is(err, fs.ErrNotExist) {
		r.logger.Warn().Msgf("no bundled themes found at %s", r.bundledThemesDir())
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading bundled themes: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			res[entry.Name()] = struct{}{}
		}
	}
	return res, nil
}

// clearThemes removes every symlink in content/themes and every real entry shadowing a
// bundled theme.
func (r *Reconciler) clearThemes(bundled map[string]struct{}) error {
	entries, err := os.ReadDir(r.themesDir())
	if err != nil {
		return fmt.Errorf("reading themes directory: %w", err)
	}
	for _, entry := range entries {
		p := filepath.Join(r.themesDir(), entry.Name())
		_, collides := bundled[entry.Name()]

		switch {
		case entry.Type()&fs.ModeSymlink != 0:
			err = os.Remove(p)
		case collides:
			r.logger.Info().Msgf("replacing %s with the bundled theme of the same name", p)
			err = os.RemoveAll(p)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("removing theme %s: %w", p, err)
		}
	}
	return nil
}
