package runconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("runconfig: not found")

// Store persists run configurations by name.
type Store interface {
	List() ([]string, error)
	Load(name string) (*RunConfiguration, error)
	Save(rc *RunConfiguration) error
	Delete(name string) error
}

// document is the on-disk shape of a run configuration.
type document struct {
	Name                  string                   `koanf:"name" yaml:"name"`
	Description           string                   `koanf:"description" yaml:"description,omitempty"`
	Default               bool                     `koanf:"default" yaml:"default"`
	Kind                  Kind                     `koanf:"kind" yaml:"kind"`
	Engine                engineDoc                `koanf:"engine" yaml:"engine"`
	Archived              map[string]engineDocOpts `koanf:"archived" yaml:"archived,omitempty"`
	Variables             []Variable               `koanf:"variables" yaml:"variables,omitempty"`
	ExecutionInfoLocation string                   `koanf:"execution_info_location" yaml:"execution_info_location,omitempty"`
	ExecutionDataProfile  string                   `koanf:"execution_data_profile" yaml:"execution_data_profile,omitempty"`
}

type engineDoc struct {
	Plugin  string            `koanf:"plugin" yaml:"plugin"`
	Options map[string]string `koanf:"options" yaml:"options,omitempty"`
}

type engineDocOpts = map[string]string

// FileStore keeps one YAML file per configuration in a directory. Values can
// be overridden from the environment, e.g.
// HOPFLOW_RUNCONFIG__LOCAL__ENGINE__OPTIONS__ROWSET_SIZE=500.
type FileStore struct {
	Dir      string
	Defaults DefaultsProvider
}

func NewFileStore(dir string, defaults DefaultsProvider) *FileStore {
	return &FileStore{Dir: dir, Defaults: defaults}
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.Dir, name+".yaml")
}

func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	slices.Sort(names)
	return names, nil
}

func (s *FileStore) Load(name string) (*RunConfiguration, error) {
	path := s.path(name)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("runconfig %s: %w", name, err)
	}
	prefix := "HOPFLOW_RUNCONFIG__" + strings.ToUpper(name) + "__"
	_ = k.Load(env.Provider(prefix, ".", func(key string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, prefix)), "__", ".")
	}), nil)

	var doc document
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("runconfig %s: %w", name, err)
	}
	if doc.Name == "" {
		doc.Name = name
	}
	return s.fromDocument(doc)
}

func (s *FileStore) fromDocument(doc document) (*RunConfiguration, error) {
	if doc.Kind == "" {
		doc.Kind = KindPipeline
	}
	rc := &RunConfiguration{
		Name:                  doc.Name,
		Description:           doc.Description,
		Default:               doc.Default,
		Kind:                  doc.Kind,
		Variables:             doc.Variables,
		ExecutionInfoLocation: doc.ExecutionInfoLocation,
		ExecutionDataProfile:  doc.ExecutionDataProfile,
	}
	bag, err := s.bag(doc.Engine.Plugin, doc.Engine.Options)
	if err != nil {
		return nil, fmt.Errorf("runconfig %s: %w", doc.Name, err)
	}
	rc.Engine = bag
	for id, opts := range doc.Archived {
		archived, err := s.bag(id, opts)
		if err != nil {
			return nil, fmt.Errorf("runconfig %s: archived engine: %w", doc.Name, err)
		}
		if rc.archive == nil {
			rc.archive = make(map[string]EngineRunConfiguration)
		}
		rc.archive[id] = archived
	}
	return rc, rc.Validate()
}

func (s *FileStore) bag(pluginID string, opts map[string]string) (EngineRunConfiguration, error) {
	if pluginID == "" {
		return nil, errors.New("engine plugin is not set")
	}
	bag, err := s.Defaults.DefaultEngineRunConfiguration(pluginID)
	if err != nil {
		return nil, err
	}
	for k, v := range opts {
		if err := bag.SetProperty(k, v); err != nil {
			return nil, err
		}
	}
	return bag, nil
}

func toDocument(rc *RunConfiguration) document {
	doc := document{
		Name:                  rc.Name,
		Description:           rc.Description,
		Default:               rc.Default,
		Kind:                  rc.Kind,
		Variables:             rc.Variables,
		ExecutionInfoLocation: rc.ExecutionInfoLocation,
		ExecutionDataProfile:  rc.ExecutionDataProfile,
	}
	if rc.Engine != nil {
		doc.Engine = engineDoc{Plugin: rc.Engine.EnginePluginID(), Options: rc.Engine.Properties()}
	}
	for id, b := range rc.archive {
		if doc.Archived == nil {
			doc.Archived = make(map[string]engineDocOpts)
		}
		doc.Archived[id] = b.Properties()
	}
	return doc
}

// Save writes the configuration atomically.
func (s *FileStore) Save(rc *RunConfiguration) error {
	if err := rc.Validate(); err != nil {
		return err
	}
	raw, err := yamlv3.Marshal(toDocument(rc))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.Dir, "."+rc.Name+"-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(rc.Name))
}

func (s *FileStore) Delete(name string) error {
	err := os.Remove(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}

// Default returns the configuration of the given kind flagged as default,
// or the only one of that kind.
func Default(s Store, kind Kind) (*RunConfiguration, error) {
	names, err := s.List()
	if err != nil {
		return nil, err
	}
	var candidates []*RunConfiguration
	for _, n := range names {
		rc, err := s.Load(n)
		if err != nil {
			return nil, err
		}
		if rc.Kind != kind {
			continue
		}
		if rc.Default {
			return rc, nil
		}
		candidates = append(candidates, rc)
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	return nil, fmt.Errorf("%w: no default %s run configuration", ErrNotFound, kind)
}
