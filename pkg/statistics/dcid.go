// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package statistics

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/nlweb-go/nlweb/pkg/llm"
)

//go:embed dcid_default.json
var defaultDCIDJSON []byte

// dcidGuess is the LLM fallback schema for one unmapped name.
type dcidGuess struct {
	DCID string `json:"dcid" jsonschema:"description=The Data Commons identifier for the given name, or empty when unknown"`
}

var dcidGuessSchema = llm.SchemaFor[dcidGuess]()

// DCIDMapper resolves human names of variables and places to Data Commons
// identifiers: a static mapping file first, an LLM guess for the rest.
type DCIDMapper struct {
	variables map[string]string
	places    map[string]string
	client    *llm.Client
}

type dcidMappings struct {
	Variables map[string]string `json:"variables"`
	Places    map[string]string `json:"places"`
}

// NewDCIDMapper loads the static mapping at path, or the embedded default
// when path is empty.
func NewDCIDMapper(path string, client *llm.Client) (*DCIDMapper, error) {
	data := defaultDCIDJSON
	if path != "" {
		loaded, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read DCID mappings: %w", err)
		}
		data = loaded
	}

	var mappings dcidMappings
	if err := json.Unmarshal(data, &mappings); err != nil {
		return nil, fmt.Errorf("failed to parse DCID mappings: %w", err)
	}

	m := &DCIDMapper{
		variables: make(map[string]string, len(mappings.Variables)),
		places:    make(map[string]string, len(mappings.Places)),
		client:    client,
	}
	for name, dcid := range mappings.Variables {
		m.variables[strings.ToLower(name)] = dcid
	}
	for name, dcid := range mappings.Places {
		m.places[strings.ToLower(name)] = dcid
	}
	return m, nil
}

// MapVariables resolves variable names to DCIDs, dropping unresolvable ones.
func (m *DCIDMapper) MapVariables(ctx context.Context, names []string) []string {
	return m.mapNames(ctx, names, m.variables, "statistical variable")
}

// MapPlaces resolves place names to DCIDs, dropping unresolvable ones.
func (m *DCIDMapper) MapPlaces(ctx context.Context, names []string) []string {
	return m.mapNames(ctx, names, m.places, "place")
}

func (m *DCIDMapper) mapNames(ctx context.Context, names []string, static map[string]string, kind string) []string {
	var dcids []string
	for _, name := range names {
		if dcid, ok := static[strings.ToLower(name)]; ok {
			dcids = append(dcids, dcid)
			continue
		}
		dcid, err := m.guess(ctx, name, kind)
		if err != nil || dcid == "" {
			slog.Debug("No DCID mapping", "kind", kind, "name", name, "error", err)
			continue
		}
		dcids = append(dcids, dcid)
	}
	return dcids
}

func (m *DCIDMapper) guess(ctx context.Context, name, kind string) (string, error) {
	if m.client == nil {
		return "", nil
	}
	prompt := fmt.Sprintf(
		"Give the Data Commons DCID for the %s named \"%s\". Examples: Count_Person for population, geoId/06 for California, country/USA for the United States. Answer with an empty dcid if you are not confident.",
		kind, name)

	raw, err := m.client.Ask(ctx, prompt, dcidGuessSchema, llm.LevelLow)
	if err != nil {
		return "", err
	}
	var guess dcidGuess
	if err := llm.Decode(raw, &guess); err != nil {
		return "", err
	}
	return guess.DCID, nil
}
