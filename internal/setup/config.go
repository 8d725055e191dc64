package setup

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/isolate/internal/model"
)

// ErrNotInitialized is returned when no .isolate directory is found.
var ErrNotInitialized = errors.New("not an isolate project (run `isolate init`)")

// FindDir walks up from start to the nearest .isolate directory.
func FindDir(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, Dir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotInitialized
		}
		dir = parent
	}
}

// LoadConfig reads stateDir/config.yaml over the defaults. Unknown keys are
// rejected. A missing file yields the defaults.
func LoadConfig(stateDir string) (model.Config, error) {
	cfg, err := LoadConfigFile(filepath.Join(stateDir, configFile))
	if errors.Is(err, os.ErrNotExist) {
		return model.DefaultConfig(filepath.Base(filepath.Dir(stateDir))), nil
	}
	return cfg, err
}

// LoadConfigFile decodes path over the defaults. The project name defaults
// to the directory containing the state directory.
func LoadConfigFile(path string) (model.Config, error) {
	root := filepath.Dir(filepath.Dir(path))
	cfg := model.DefaultConfig(filepath.Base(root))

	data, err := os.ReadFile(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := decodeConfig(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// decodeConfig decodes data over cfg, rejecting keys Config does not know.
// An empty document leaves cfg unchanged.
func decodeConfig(data []byte, cfg *model.Config) error {
	dec := yamlv3.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ResolvePath makes p absolute against the project root.
func ResolvePath(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// Project is a located project with its loaded configuration.
type Project struct {
	Root     string
	StateDir string
	Config   model.Config
}

// Open locates the project containing start and loads its config.
func Open(start string) (*Project, error) {
	stateDir, err := FindDir(start)
	if err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(stateDir)
	if err != nil {
		return nil, err
	}
	return &Project{Root: filepath.Dir(stateDir), StateDir: stateDir, Config: cfg}, nil
}

// OpenConfig loads an explicit config file. Its parent directory is taken
// as the state directory.
func OpenConfig(path string) (*Project, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg, err := LoadConfigFile(abs)
	if err != nil {
		return nil, err
	}
	stateDir := filepath.Dir(abs)
	return &Project{Root: filepath.Dir(stateDir), StateDir: stateDir, Config: cfg}, nil
}

// Path resolves a config path against the project root.
func (p *Project) Path(rel string) string { return ResolvePath(p.Root, rel) }
