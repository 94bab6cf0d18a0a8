// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalogXML = `<?xml version="1.0"?>
<ToolCatalog>
  <SchemaType name="Thing">
    <Tool name="search" handler="search">
      <Prompt>score search for {query}</Prompt>
      <ReturnStruc>{"type":"object","properties":{"score":{"type":"integer"}},"required":["score"]}</ReturnStruc>
    </Tool>
    <Tool name="item_details" handler="item_details">
      <Prompt>generic details prompt</Prompt>
      <Example>what is the rating of X</Example>
      <Argument name="item_name" description="the item"/>
    </Tool>
    <Tool name="legacy" enabled="false" handler="legacy">
      <Prompt>never loaded</Prompt>
    </Tool>
  </SchemaType>
  <SchemaType name="Recipe">
    <Tool name="item_details" handler="item_details">
      <Prompt>recipe details prompt</Prompt>
    </Tool>
  </SchemaType>
</ToolCatalog>`

func TestParseCatalogInheritance(t *testing.T) {
	catalog, err := parseCatalog([]byte(testCatalogXML))
	require.NoError(t, err)

	// Recipe inherits search from Thing and overrides item_details.
	recipeTools := catalog.ToolsFor("Recipe")
	names := make([]string, len(recipeTools))
	for i, tool := range recipeTools {
		names[i] = tool.Name
	}
	assert.Equal(t, []string{"item_details", "search"}, names)

	details, ok := catalog.Lookup("Recipe", "item_details")
	require.True(t, ok)
	assert.Equal(t, "recipe details prompt", details.ScoringPrompt)
	assert.Equal(t, "Recipe", details.SchemaType)

	generic, ok := catalog.Lookup("Thing", "item_details")
	require.True(t, ok)
	assert.Equal(t, "generic details prompt", generic.ScoringPrompt)
}

func TestParseCatalogSkipsDisabled(t *testing.T) {
	catalog, err := parseCatalog([]byte(testCatalogXML))
	require.NoError(t, err)

	_, ok := catalog.Lookup("Thing", "legacy")
	assert.False(t, ok)
}

func TestUnknownTypeFallsBackToRoot(t *testing.T) {
	catalog, err := parseCatalog([]byte(testCatalogXML))
	require.NoError(t, err)

	tools := catalog.ToolsFor("Movie")
	require.Len(t, tools, 2)
	assert.Equal(t, "item_details", tools[0].Name)
	assert.Equal(t, "search", tools[1].Name)
}

func TestParseCatalogRejectsBadSchema(t *testing.T) {
	bad := `<ToolCatalog><SchemaType name="Thing"><Tool name="x"><ReturnStruc>{not json</ReturnStruc></Tool></SchemaType></ToolCatalog>`
	_, err := parseCatalog([]byte(bad))
	assert.Error(t, err)
}

func TestEmbeddedDefaultCatalog(t *testing.T) {
	catalog, err := LoadCatalog("")
	require.NoError(t, err)

	for _, name := range []string{"search", "item_details", "compare_items", "ensemble", "generate_answer", "statistics"} {
		_, ok := catalog.Lookup("Thing", name)
		assert.True(t, ok, "default catalog missing %s", name)
	}

	// Recipe overrides item_details but inherits the rest.
	details, ok := catalog.Lookup("Recipe", "item_details")
	require.True(t, ok)
	assert.Equal(t, "Recipe", details.SchemaType)
	search, ok := catalog.Lookup("Recipe", "search")
	require.True(t, ok)
	assert.Equal(t, "Thing", search.SchemaType)
}
