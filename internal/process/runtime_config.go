package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/li-yechao/dghost/core/ghost"
	"github.com/qri-io/jsonschema"
	"github.com/rs/zerolog"
	"github.com/wI2L/jsondiff"
)

func keyError(errs []jsonschema.KeyError) error {
	s := strings.Builder{}
	for _, e := range errs {
		s.WriteString(fmt.Sprintf("%s\n", e.Error()))
	}
	return errors.New(s.String())
}

// managedFields are the parts of the runtime config the supervisor relies on after launch.
func managedFields(cfg *ghost.RuntimeConfig) map[string]interface{} {
	return map[string]interface{}{
		"url": cfg.URL,
		"server": map[string]interface{}{
			"port": cfg.Server.Port,
			"host": cfg.Server.Host,
		},
		"paths": map[string]interface{}{
			"contentPath": cfg.Paths.ContentPath,
		},
	}
}

func overriddenManagedFields(overrides map[string]interface{}) []string {
	var res []string
	if _, ok := overrides["url"]; ok {
		res = append(res, "url")
	}
	sections := []struct {
		name string
		keys []string
	}{
		{"server", []string{"port", "host"}},
		{"paths", []string{"contentPath"}},
	}
	for _, sec := range sections {
		section := sec.name
		v, ok := overrides[section]
		if !ok {
			continue
		}
		nested, ok := v.(map[string]interface{})
		if !ok {
			res = append(res, section)
			continue
		}
		for _, key := range sec.keys {
			if _, ok := nested[key]; ok {
				res = append(res, section+"."+key)
			}
		}
	}
	return res
}

// ConfigWriter regenerates the runtime config file read by the application on boot.
type ConfigWriter struct {
	path       string
	contentDir string
	overrides  []byte
	schema     *jsonschema.Schema
	logger     *zerolog.Logger
}

// NewConfigWriter prepares a writer for path. overrides is applied to every generated config
// as a JSON merge patch, so operators can set fields the supervisor does not manage.
func NewConfigWriter(path, contentDir string, overrides map[string]interface{}, logger *zerolog.Logger) (*ConfigWriter, error) {
	rs := &jsonschema.Schema{}
	err := json.Unmarshal(ghost.RuntimeConfigSchema(), rs)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON schema: %s", err)
	}

	var patch []byte
	if len(overrides) != 0 {
		patch, err = json.Marshal(overrides)
		if err != nil {
			return nil, fmt.Errorf("invalid config overrides: %w", err)
		}
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	for _, field := range overriddenManagedFields(overrides) {
		logger.Warn().Msgf("config override of %s is ignored, the supervisor manages it", field)
	}
	return &ConfigWriter{
		path:       path,
		contentDir: contentDir,
		overrides:  patch,
		schema:     rs,
		logger:     logger,
	}, nil
}

func (w *ConfigWriter) Path() string {
	return w.path
}

// Render builds the config document for one launch without touching the disk.
func (w *ConfigWriter) Render(ctx context.Context, opts *StartOptions) ([]byte, error) {
	cfg, err := ghost.NewRuntimeConfig(opts.URL, opts.Host, opts.Port, w.contentDir)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}

	if w.overrides != nil {
		doc, err = jsonpatch.MergePatch(doc, w.overrides)
		if err != nil {
			return nil, fmt.Errorf("error applying config overrides: %s", err)
		}

		// The supervisor dials and proxies to the address it chose, so overrides never win here.
		managed, err := json.Marshal(managedFields(cfg))
		if err != nil {
			return nil, err
		}
		doc, err = jsonpatch.MergePatch(doc, managed)
		if err != nil {
			return nil, fmt.Errorf("error restoring managed config fields: %s", err)
		}
	}

	// check that the document still fulfills the schema after the overrides
	keyErrs, err := w.schema.ValidateBytes(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("error validating runtime config: %s", err)
	}
	if len(keyErrs) != 0 {
		return nil, keyError(keyErrs)
	}

	var indented map[string]interface{}
	if err := json.Unmarshal(doc, &indented); err != nil {
		return nil, err
	}
	return json.MarshalIndent(indented, "", "  ")
}

// Write fully regenerates the config file. The new file replaces the old one with a rename.
func (w *ConfigWriter) Write(ctx context.Context, opts *StartOptions) error {
	doc, err := w.Render(ctx, opts)
	if err != nil {
		return err
	}

	w.logChanges(doc)

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(w.path), "."+filepath.Base(w.path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), w.path)
}

func (w *ConfigWriter) logChanges(doc []byte) {
	previous, err := os.ReadFile(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		w.logger.Info().Msgf("writing runtime config %s", w.path)
		return
	}
	if err != nil {
		w.logger.Warn().Err(err).Msgf("could not read previous runtime config %s", w.path)
		return
	}

	var previousMap, currentMap map[string]interface{}
	if json.Unmarshal(previous, &previousMap) != nil || json.Unmarshal(doc, &currentMap) != nil {
		w.logger.Info().Msgf("replacing unreadable runtime config %s", w.path)
		return
	}

	patch, err := jsondiff.Compare(previousMap, currentMap)
	if err != nil {
		w.logger.Warn().Err(err).Msg("could not diff runtime config")
		return
	}
	for _, op := range patch {
		w.logger.Info().Msgf("runtime config change: %s %v", op.Type, op.Path)
	}
}
