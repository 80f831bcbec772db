// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package runtime

import (
	"fmt"
	"os"
	"time"

	"github.com/ManuGH/agentbot/internal/model"
	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Sessions []seedSession `yaml:"sessions"`
}

type seedSession struct {
	SessionID      string            `yaml:"sessionId"`
	UserID         string            `yaml:"userId"`
	CredentialsRef string            `yaml:"credentialsRef"`
	Profile        map[string]string `yaml:"profile"`
	Preferences    []seedPreference  `yaml:"preferences"`
}

type seedPreference struct {
	Location  string     `yaml:"location"`
	Category  string     `yaml:"category"`
	NotBefore *time.Time `yaml:"notBefore"`
	NotAfter  *time.Time `yaml:"notAfter"`
}

// LoadSeeds reads the session seed file (YAML; JSON parses as a YAML subset)
// and returns the session records to attach. Records carry seed data only;
// persisted state always wins on adoption.
func LoadSeeds(path string) ([]*model.SessionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode seed file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Sessions))
	out := make([]*model.SessionRecord, 0, len(f.Sessions))
	for i, s := range f.Sessions {
		if s.SessionID == "" {
			return nil, fmt.Errorf("seed %d: missing sessionId", i)
		}
		if !model.IsSafeSessionID(s.SessionID) {
			return nil, fmt.Errorf("seed %d: unsafe sessionId %q", i, s.SessionID)
		}
		if seen[s.SessionID] {
			return nil, fmt.Errorf("duplicate sessionId %q", s.SessionID)
		}
		seen[s.SessionID] = true
		if s.CredentialsRef == "" {
			return nil, fmt.Errorf("seed %q: missing credentialsRef", s.SessionID)
		}

		prefs := make([]model.SlotPreference, 0, len(s.Preferences))
		for _, p := range s.Preferences {
			mp := model.SlotPreference{Location: p.Location, Category: p.Category}
			if p.NotBefore != nil {
				mp.NotBefore = *p.NotBefore
			}
			if p.NotAfter != nil {
				mp.NotAfter = *p.NotAfter
			}
			prefs = append(prefs, mp)
		}

		out = append(out, &model.SessionRecord{
			SessionID:      s.SessionID,
			UserID:         s.UserID,
			CredentialsRef: s.CredentialsRef,
			Profile:        s.Profile,
			Preferences:    prefs,
			State:          model.StateIdle,
		})
	}
	return out, nil
}
