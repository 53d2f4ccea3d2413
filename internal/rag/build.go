package rag

import (
	"context"
	"fmt"

	"github.com/RomainBuono/Emergency-manager/internal/embedding"
	"github.com/RomainBuono/Emergency-manager/internal/kb"
	"github.com/RomainBuono/Emergency-manager/internal/vectorindex"
)

// BuildIndex embeds every protocol's index document and assembles a flat
// index. Vectors are normalized here, through the same chokepoint queries
// use, so build-time and query-time geometry cannot drift apart.
func BuildIndex(ctx context.Context, embedder embedding.Provider, protocols []kb.Protocol) (*vectorindex.Flat, error) {
	index := vectorindex.NewFlat(embedder.Dim())

	for _, p := range protocols {
		vec, err := embedder.Embed(ctx, p.IndexDocument())
		if err != nil {
			return nil, fmt.Errorf("embedding protocol %s: %w", p.ID, err)
		}
		if _, err := embedding.Normalize(vec); err != nil {
			return nil, fmt.Errorf("normalizing protocol %s: %w", p.ID, err)
		}
		if err := index.Add(p.ID, vec); err != nil {
			return nil, err
		}
	}

	return index, nil
}
