package schema

import (
	"encoding/json"
	"fmt"
)

// Older documents use a "state" vocabulary: a states array plus an explicit
// initialState pointer instead of phase ordering. Decode maps that dialect
// onto the canonical model here so nothing downstream sees two encodings.
type legacyDocument struct {
	ID           string         `json:"id"`
	Version      int            `json:"version"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	States       []legacyState  `json:"states"`
	InitialState string         `json:"initialState"`
	Transitions  []Transition   `json:"transitions,omitempty"`
}

type legacyState struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Rules       PhaseRules     `json:"rules"`
	Pipeline    *Pipeline      `json:"selectionPipeline,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
}

// Decode parses a schema document in either the canonical phase form or the
// legacy state form, and validates the result.
func Decode(data []byte) (Definition, error) {
	var probe struct {
		Phases []json.RawMessage `json:"phases"`
		States []json.RawMessage `json:"states"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Definition{}, fmt.Errorf("invalid schema document: %w", err)
	}
	var def Definition
	if probe.Phases == nil && probe.States != nil {
		legacy, err := decodeLegacy(data)
		if err != nil {
			return Definition{}, err
		}
		def = legacy
	} else {
		if err := json.Unmarshal(data, &def); err != nil {
			return Definition{}, fmt.Errorf("invalid schema document: %w", err)
		}
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

func decodeLegacy(data []byte) (Definition, error) {
	var doc legacyDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Definition{}, fmt.Errorf("invalid legacy schema document: %w", err)
	}
	def := Definition{
		ID:          doc.ID,
		Version:     doc.Version,
		Name:        doc.Name,
		Description: doc.Description,
		Config:      doc.Config,
		Transitions: doc.Transitions,
	}
	initialIdx := -1
	for i, s := range doc.States {
		if s.ID == doc.InitialState {
			initialIdx = i
		}
		def.Phases = append(def.Phases, Phase{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			Rules:       s.Rules,
			Pipeline:    s.Pipeline,
			Settings:    s.Settings,
		})
	}
	if doc.InitialState == "" {
		return Definition{}, fmt.Errorf("legacy schema document missing initialState")
	}
	if initialIdx < 0 {
		return Definition{}, fmt.Errorf("initialState %s not found in states", doc.InitialState)
	}
	// The canonical model encodes the initial phase as first in the array.
	if initialIdx > 0 {
		initial := def.Phases[initialIdx]
		def.Phases = append(def.Phases[:initialIdx], def.Phases[initialIdx+1:]...)
		def.Phases = append([]Phase{initial}, def.Phases...)
	}
	return def, nil
}
