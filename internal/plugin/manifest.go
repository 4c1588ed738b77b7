// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package plugin

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the expected file name inside a script plugin directory.
const ManifestFile = "plugin.yaml"

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Manifest describes a script plugin directory.
type Manifest struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	// API is a semver constraint on the relay's plugin APIVersion,
	// e.g. ">= 1.0.0 < 2".
	API string `yaml:"api"`
	// Entry is the script file, relative to the plugin directory.
	// Defaults to main.lua.
	Entry string `yaml:"entry"`
}

// LoadManifest reads and validates the manifest inside dir.
func LoadManifest(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, oops.Code(CodeNotFound).
			With("dir", dir).
			Wrapf(err, "reading plugin manifest")
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, oops.Code(CodeBadManifest).
			With("dir", dir).
			Wrapf(err, "parsing plugin manifest")
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Entry == "" {
		m.Entry = "main.lua"
	}
	return &m, nil
}

// Validate checks manifest fields, including API compatibility against the
// relay's plugin APIVersion.
func (m *Manifest) Validate() error {
	if !nameRe.MatchString(m.Name) {
		return oops.Code(CodeBadManifest).
			With("name", m.Name).
			Errorf("plugin name must match %s", nameRe.String())
	}

	if m.Version != "" {
		if _, err := semver.NewVersion(m.Version); err != nil {
			return oops.Code(CodeBadManifest).
				With("name", m.Name).
				With("version", m.Version).
				Wrapf(err, "invalid plugin version")
		}
	}

	if m.API != "" {
		constraint, err := semver.NewConstraint(m.API)
		if err != nil {
			return oops.Code(CodeBadManifest).
				With("name", m.Name).
				With("api", m.API).
				Wrapf(err, "invalid api constraint")
		}
		if !constraint.Check(semver.MustParse(APIVersion)) {
			return oops.Code(CodeAPIIncompatible).
				With("name", m.Name).
				With("api", m.API).
				With("relay_api", APIVersion).
				Errorf("plugin requires api %s, relay provides %s", m.API, APIVersion)
		}
	}
	return nil
}
