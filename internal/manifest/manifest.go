// Package manifest parses bulk clone-admission manifests for `clonemgr add
// --manifest FILE` (spec SPEC_FULL.md §4.9): a YAML file, or a folder of
// them, each entry mapping one-to-one onto an AddTask call. Grounded on
// the teacher's internal/spec parser's file-vs-folder dispatch by
// extension, generalized from "parse a design spec into epics/tasks" to
// "parse a clone manifest into task admission requests".
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one repository admission request, the YAML shape of
// manager.AddTaskArgs; callers convert field-by-field since the password
// here is plaintext and AddTaskArgs wants a []byte.
type Entry struct {
	RepoID   string `yaml:"repo_id"`
	PeerID   string `yaml:"peer_id"`
	RepoName string `yaml:"repo_name"`
	Token    string `yaml:"token"`
	Password string `yaml:"password"` // plaintext in the manifest; caller decides how to handle at rest
	Worktree string `yaml:"worktree"`
	PeerAddr string `yaml:"peer_addr"`
	PeerPort string `yaml:"peer_port"`
	Email    string `yaml:"email"`
}

// document is the top-level shape of one manifest file.
type document struct {
	Repositories []Entry `yaml:"repositories"`
}

// Parse reads a manifest from path: a single .yaml/.yml file, or a
// directory of them, returning every entry concatenated in file order.
func Parse(path string) ([]Entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("accessing manifest path: %w", err)
	}
	if info.IsDir() {
		return parseFolder(path)
	}
	return parseFile(path)
}

func parseFile(filePath string) ([]Entry, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".yaml", ".yml":
		return parseYAML(filePath)
	default:
		return nil, fmt.Errorf("unsupported manifest file type: %s (supported: .yaml, .yml)", ext)
	}
}

func parseFolder(folderPath string) ([]Entry, error) {
	entries, err := os.ReadDir(folderPath)
	if err != nil {
		return nil, fmt.Errorf("reading manifest folder: %w", err)
	}

	var all []Entry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		filePath := filepath.Join(folderPath, e.Name())
		parsed, err := parseFile(filePath)
		if err != nil {
			continue // skip non-manifest files in the folder
		}
		all = append(all, parsed...)
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("no valid manifest entries found in %s", folderPath)
	}
	return all, nil
}

func parseYAML(filePath string) ([]Entry, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading manifest file: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", filePath, err)
	}

	for i, e := range doc.Repositories {
		if err := validate(e); err != nil {
			return nil, fmt.Errorf("manifest %s entry %d: %w", filePath, i, err)
		}
	}
	return doc.Repositories, nil
}

func validate(e Entry) error {
	if e.RepoID == "" {
		return fmt.Errorf("repo_id is required")
	}
	if e.PeerID == "" {
		return fmt.Errorf("peer_id is required")
	}
	if e.Worktree == "" {
		return fmt.Errorf("worktree is required")
	}
	return nil
}
