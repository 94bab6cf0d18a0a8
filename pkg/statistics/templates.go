// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package statistics

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
)

//go:embed templates_default.json
var defaultTemplatesJSON []byte

// Template is one parameterised statistical-query shape. The catalogue is
// immutable after load.
type Template struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`

	// QueryType drives visualisation choice: value, trend, rank, compare
	// or correlate.
	QueryType string `json:"query_type"`
}

// LoadTemplates reads the template catalogue at path, or the embedded
// default when path is empty.
func LoadTemplates(path string) ([]Template, error) {
	data := defaultTemplatesJSON
	if path != "" {
		loaded, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read statistics templates: %w", err)
		}
		data = loaded
	}

	var templates []Template
	if err := json.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("failed to parse statistics templates: %w", err)
	}
	for _, tmpl := range templates {
		if tmpl.ID == "" || tmpl.Description == "" {
			return nil, fmt.Errorf("statistics template missing id or description")
		}
	}
	return templates, nil
}
