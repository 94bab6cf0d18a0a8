// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package tools

import (
	_ "embed"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"sort"
	"strings"
)

//go:embed catalog_default.xml
var defaultCatalogXML []byte

// rootType is the schema.org root; its tools are inherited by every type.
const rootType = "Thing"

// Tool is one declarative tool descriptor. Immutable after load.
type Tool struct {
	Name          string
	SchemaType    string
	Handler       string
	Arguments     []Argument
	Examples      []string
	ScoringPrompt string
	ReturnSchema  json.RawMessage
}

// Argument describes one extractable tool argument.
type Argument struct {
	Name        string
	Description string
}

// Catalog holds the effective toolset per schema type, with Thing
// inheritance materialised at load. Read-only after load; per-request
// selection reads it without synchronisation.
type Catalog struct {
	byType map[string]map[string]*Tool
}

// LoadCatalog reads the XML catalogue at path, or the embedded default when
// path is empty. Disabled tools are skipped.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalogXML
	if path != "" {
		loaded, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read tool catalog: %w", err)
		}
		data = loaded
	}
	return parseCatalog(data)
}

type xmlCatalog struct {
	XMLName xml.Name        `xml:"ToolCatalog"`
	Types   []xmlSchemaType `xml:"SchemaType"`
}

type xmlSchemaType struct {
	Name  string    `xml:"name,attr"`
	Tools []xmlTool `xml:"Tool"`
}

type xmlTool struct {
	Name      string        `xml:"name,attr"`
	Enabled   string        `xml:"enabled,attr"`
	Handler   string        `xml:"handler,attr"`
	Examples  []string      `xml:"Example"`
	Prompt    string        `xml:"Prompt"`
	Return    string        `xml:"ReturnStruc"`
	Arguments []xmlArgument `xml:"Argument"`
}

type xmlArgument struct {
	Name        string `xml:"name,attr"`
	Description string `xml:"description,attr"`
}

func parseCatalog(data []byte) (*Catalog, error) {
	var parsed xmlCatalog
	if err := xml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse tool catalog: %w", err)
	}

	declared := make(map[string]map[string]*Tool)
	for _, schemaType := range parsed.Types {
		if schemaType.Name == "" {
			return nil, fmt.Errorf("tool catalog: SchemaType without name")
		}
		byName := make(map[string]*Tool)
		for _, xt := range schemaType.Tools {
			if strings.EqualFold(xt.Enabled, "false") {
				continue
			}
			tool, err := toolFromXML(schemaType.Name, xt)
			if err != nil {
				return nil, err
			}
			byName[tool.Name] = tool
		}
		declared[schemaType.Name] = byName
	}

	// Materialise inheritance: every declared type sees Thing's tools,
	// overridden by its own declarations.
	root := declared[rootType]
	effective := make(map[string]map[string]*Tool, len(declared))
	for typeName, own := range declared {
		merged := make(map[string]*Tool, len(root)+len(own))
		if typeName != rootType {
			for name, tool := range root {
				merged[name] = tool
			}
		}
		for name, tool := range own {
			merged[name] = tool
		}
		effective[typeName] = merged
	}

	return &Catalog{byType: effective}, nil
}

func toolFromXML(schemaType string, xt xmlTool) (*Tool, error) {
	if xt.Name == "" {
		return nil, fmt.Errorf("tool catalog: Tool without name under %s", schemaType)
	}

	returnSchema := strings.TrimSpace(xt.Return)
	if returnSchema != "" && !json.Valid([]byte(returnSchema)) {
		return nil, fmt.Errorf("tool catalog: invalid ReturnStruc for tool %s", xt.Name)
	}

	handler := xt.Handler
	if handler == "" {
		handler = xt.Name
	}

	tool := &Tool{
		Name:          xt.Name,
		SchemaType:    schemaType,
		Handler:       handler,
		ScoringPrompt: strings.TrimSpace(xt.Prompt),
		ReturnSchema:  json.RawMessage(returnSchema),
	}
	for _, ex := range xt.Examples {
		if trimmed := strings.TrimSpace(ex); trimmed != "" {
			tool.Examples = append(tool.Examples, trimmed)
		}
	}
	for _, arg := range xt.Arguments {
		tool.Arguments = append(tool.Arguments, Argument{Name: arg.Name, Description: arg.Description})
	}
	return tool, nil
}

// ToolsFor returns the effective toolset for a schema type, sorted by name.
// Unknown types see the root toolset.
func (c *Catalog) ToolsFor(schemaType string) []*Tool {
	byName, ok := c.byType[schemaType]
	if !ok {
		byName = c.byType[rootType]
	}

	tools := make([]*Tool, 0, len(byName))
	for _, tool := range byName {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Lookup finds one tool in the effective toolset of a schema type.
func (c *Catalog) Lookup(schemaType, name string) (*Tool, bool) {
	byName, ok := c.byType[schemaType]
	if !ok {
		byName = c.byType[rootType]
	}
	tool, ok := byName[name]
	return tool, ok
}

// SchemaTypes lists the declared types.
func (c *Catalog) SchemaTypes() []string {
	types := make([]string, 0, len(c.byType))
	for name := range c.byType {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
