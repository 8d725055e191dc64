// Package setup creates and locates isolate project directories and loads
// their configuration.
package setup

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/isolate/internal/model"
	"github.com/msageha/isolate/internal/store"
	"github.com/msageha/isolate/templates"
)

// Dir is the per-project state directory.
const Dir = ".isolate"

const configFile = "config.yaml"

// Result describes what Run created.
type Result struct {
	Root          string `json:"root"`
	StateDir      string `json:"state_dir"`
	ConfigPath    string `json:"config_path"`
	StorePath     string `json:"store_path"`
	SchemaVersion int    `json:"schema_version"`
}

// Run initializes .isolate/ in projectDir: the config file, the workspace
// root and a migrated state database. projectName defaults to the directory
// basename.
func Run(ctx context.Context, projectDir, projectName string) (Result, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return Result{}, fmt.Errorf("resolve project dir: %w", err)
	}
	base := filepath.Join(absDir, Dir)
	if _, err := os.Stat(base); err == nil {
		return Result{}, fmt.Errorf("%s already exists", base)
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return Result{}, fmt.Errorf("create directory %s: %w", base, err)
	}

	cfg, err := generateConfig(absDir, projectName)
	if err != nil {
		return Result{}, fmt.Errorf("generate config: %w", err)
	}
	cfgPath := filepath.Join(base, configFile)
	if err := writeConfigAtomic(cfgPath, *cfg); err != nil {
		return Result{}, fmt.Errorf("write %s: %w", configFile, err)
	}

	if err := os.MkdirAll(ResolvePath(absDir, cfg.Worker.WorkingDirRoot), 0755); err != nil {
		return Result{}, fmt.Errorf("create working dir root: %w", err)
	}

	storePath := ResolvePath(absDir, cfg.Store.Path)
	db, err := store.Open(ctx, storePath)
	if err != nil {
		return Result{}, err
	}
	defer db.Close()
	version, err := db.SchemaVersion(ctx)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Root:          absDir,
		StateDir:      base,
		ConfigPath:    cfgPath,
		StorePath:     storePath,
		SchemaVersion: version,
	}, nil
}

func generateConfig(projectDir, projectName string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, configFile)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	return &cfg, nil
}
