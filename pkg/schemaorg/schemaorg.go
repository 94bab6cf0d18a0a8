// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package schemaorg

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// noisyKeys are schema.org properties that inflate ranking prompts without
// helping the model score relevance.
var noisyKeys = map[string]bool{
	"review":            true,
	"reviews":           true,
	"comment":           true,
	"mainEntityOfPage":  true,
	"potentialAction":   true,
	"publisher":         true,
	"isPartOf":          true,
	"breadcrumb":        true,
	"speakable":         true,
	"interactionStatistic": true,
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
	encodingErr  error
)

func tokenizer() (*tiktoken.Tiktoken, error) {
	encodingOnce.Do(func() {
		encoding, encodingErr = tiktoken.GetEncoding("cl100k_base")
	})
	return encoding, encodingErr
}

// CountTokens returns the token count of text under the cl100k encoding.
// On tokenizer failure it falls back to a bytes/4 estimate.
func CountTokens(text string) int {
	enc, err := tokenizer()
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// Trim produces a prompt-sized rendering of a schema.org document: noisy
// properties removed, then the serialisation truncated to maxTokens. The
// document may be an object or an array of objects (merged duplicates from
// several backends); both shapes are preserved.
func Trim(raw json.RawMessage, maxTokens int) string {
	cleaned := stripNoise(raw)

	text := string(cleaned)
	enc, err := tokenizer()
	if err != nil {
		if len(text) > maxTokens*4 {
			return text[:maxTokens*4]
		}
		return text
	}

	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return enc.Decode(tokens[:maxTokens])
}

func stripNoise(raw json.RawMessage) json.RawMessage {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return raw
	}

	value = stripValue(value)
	cleaned, err := json.Marshal(value)
	if err != nil {
		return raw
	}
	return cleaned
}

func stripValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		for key := range v {
			if noisyKeys[key] {
				delete(v, key)
				continue
			}
			v[key] = stripValue(v[key])
		}
		return v
	case []any:
		for i := range v {
			v[i] = stripValue(v[i])
		}
		return v
	default:
		return value
	}
}

// Name extracts the item name from a schema.org document, tolerating the
// array-of-objects shape.
func Name(raw json.RawMessage) string {
	obj := firstObject(raw)
	if obj == nil {
		return ""
	}
	if name, ok := obj["name"].(string); ok {
		return name
	}
	if headline, ok := obj["headline"].(string); ok {
		return headline
	}
	return ""
}

// Type extracts the schema.org @type, tolerating type arrays.
func Type(raw json.RawMessage) string {
	obj := firstObject(raw)
	if obj == nil {
		return ""
	}
	switch t := obj["@type"].(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			if s, ok := t[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

// Identifier returns a stable dedupe key for a document: URL, then @id,
// then name+type.
func Identifier(url string, raw json.RawMessage) string {
	if url != "" {
		return url
	}
	obj := firstObject(raw)
	if obj == nil {
		return ""
	}
	if id, ok := obj["@id"].(string); ok && id != "" {
		return id
	}
	name := Name(raw)
	if name == "" {
		return ""
	}
	return strings.ToLower(name) + "|" + Type(raw)
}

func firstObject(raw json.RawMessage) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}
	var arr []map[string]any
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) > 0 {
		return arr[0]
	}
	return nil
}

// MergeDocuments coalesces the schema documents of one URL seen by several
// backends into a single JSON array. Documents that are already arrays are
// flattened so the result is one level deep.
func MergeDocuments(docs ...json.RawMessage) (json.RawMessage, error) {
	if len(docs) == 1 {
		return docs[0], nil
	}

	var merged []json.RawMessage
	for _, doc := range docs {
		trimmed := strings.TrimSpace(string(doc))
		if strings.HasPrefix(trimmed, "[") {
			var parts []json.RawMessage
			if err := json.Unmarshal(doc, &parts); err != nil {
				return nil, fmt.Errorf("failed to flatten merged document: %w", err)
			}
			merged = append(merged, parts...)
		} else {
			merged = append(merged, doc)
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to merge documents: %w", err)
	}
	return out, nil
}
