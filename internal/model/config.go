// Package model defines isolate's configuration, queue state machine and persisted record types.
package model

type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Store     StoreConfig     `yaml:"store"`
	Locks     LocksConfig     `yaml:"locks"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Gates     GatesConfig     `yaml:"gates"`
	BuildLock BuildLockConfig `yaml:"build_lock"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ProjectConfig struct {
	Name string `yaml:"name"`
}

type StoreConfig struct {
	// Path of the SQLite database. Relative paths resolve against the project root.
	Path string `yaml:"path"`
}

type LocksConfig struct {
	DefaultTTLSec int `yaml:"default_ttl_sec"`
}

type QueueConfig struct {
	LockTimeoutSec  int    `yaml:"lock_timeout_sec"`
	MaxAttempts     int    `yaml:"max_attempts"`
	DefaultPriority int    `yaml:"default_priority"`
	TargetBranch    string `yaml:"target_branch"`
	RepoPath        string `yaml:"repo_path"`
}

type WorkerConfig struct {
	ID               string   `yaml:"id"`
	PollIntervalSec  int      `yaml:"poll_interval_sec"`
	WorkingDirRoot   string   `yaml:"working_dir_root"`
	IntegrateCommand []string `yaml:"integrate_command,omitempty"`
	RebaseCommand    []string `yaml:"rebase_command,omitempty"`
}

type GatesConfig struct {
	QuickCommand []string `yaml:"quick_command"`
	TestCommand  []string `yaml:"test_command"`
	TimeoutSec   int      `yaml:"timeout_sec"`
}

type BuildLockConfig struct {
	Path           string `yaml:"path"`
	TimeoutSec     int    `yaml:"timeout_sec"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig is the configuration written by `isolate init`.
func DefaultConfig(projectName string) Config {
	return Config{
		Project: ProjectConfig{Name: projectName},
		Store:   StoreConfig{Path: ".isolate/state.db"},
		Locks:   LocksConfig{DefaultTTLSec: 300},
		Queue: QueueConfig{
			LockTimeoutSec:  300,
			MaxAttempts:     3,
			DefaultPriority: 5,
			TargetBranch:    "main",
			RepoPath:        ".",
		},
		Worker: WorkerConfig{
			PollIntervalSec: 10,
			WorkingDirRoot:  "workspaces",
		},
		Gates: GatesConfig{
			QuickCommand: []string{"moon", "run", ":quick"},
			TestCommand:  []string{"moon", "run", ":test"},
			TimeoutSec:   1800,
		},
		BuildLock: BuildLockConfig{
			Path:           ".isolate/build.lock",
			TimeoutSec:     600,
			PollIntervalMs: 500,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
