// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package retriever

import (
	"fmt"

	"github.com/nlweb-go/nlweb/pkg/config"
	"github.com/nlweb-go/nlweb/pkg/embedder"
)

// NewBackendFromConfig creates a driver for one retrieval endpoint.
func NewBackendFromConfig(ep *config.RetrievalEndpoint, emb embedder.Provider) (Backend, error) {
	if ep == nil {
		return nil, fmt.Errorf("retrieval endpoint config cannot be nil")
	}

	switch ep.Type {
	case "qdrant":
		return NewQdrantBackend(ep, emb)
	case "pinecone":
		return NewPineconeBackend(ep, emb)
	case "chromem":
		return NewChromemBackend(ep, emb)
	case "postgres":
		return NewPostgresBackend(ep, emb)
	case "elasticsearch":
		return NewElasticBackend(ep, emb, flavorElasticsearch)
	case "opensearch":
		return NewElasticBackend(ep, emb, flavorOpenSearch)
	case "azure_ai_search":
		return NewAzureSearchBackend(ep, emb)
	case "milvus":
		return NewMilvusBackend(ep, emb)
	case "snowflake_cortex_search":
		return NewSnowflakeBackend(ep)
	default:
		return nil, fmt.Errorf("unsupported retrieval backend type: %s", ep.Type)
	}
}

// RegisterBackend seeds the client cache with a pre-built backend. Used by
// tests and embedders that construct drivers out of band.
func (r *UnifiedRetriever) RegisterBackend(name string, backend Backend) error {
	return r.clients.Register(name, backend)
}
