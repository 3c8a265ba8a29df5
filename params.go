package binder

import (
	"os"

	"gopkg.in/yaml.v3"
)

// ProcessParams configures a process's binder endpoint at Open/Mmap
// time: the shared mapping size, the thread-pool governor's ceiling,
// and the priority a fresh thread starts at before any transaction
// adjusts it (spec §4.4, §4.6).
type ProcessParams struct {
	MappingSize     uint32 `yaml:"mapping_size"`
	MaxThreads      int    `yaml:"max_threads"`
	DefaultPriority uint8  `yaml:"default_priority"`
}

// DefaultParams returns the parameters a process gets when none are
// given explicitly: a 128 KiB mapping (well under the 4 MiB cap), a
// governor ceiling of 15 threads (the real driver's default), and nice
// 0, which is priority 20 on the core's nice+20 priority scale.
func DefaultParams() ProcessParams {
	return ProcessParams{
		MappingSize:     128 * 1024,
		MaxThreads:      15,
		DefaultPriority: 20,
	}
}

// LoadParams reads ProcessParams from a YAML file, starting from
// DefaultParams so a partial file only overrides what it names.
func LoadParams(path string) (ProcessParams, error) {
	p := DefaultParams()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, err
	}
	return p, nil
}
