package reduce

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"cartograph/internal/store"
)

// Reducer recomputes the global 3D map from every stored chunk vector.
type Reducer struct {
	store store.Store
	log   zerolog.Logger
}

// NewReducer wires the persistence layer.
func NewReducer(st store.Store, log zerolog.Logger) *Reducer {
	return &Reducer{store: st, log: log}
}

// Run loads all embeddings, reduces them, and swaps the map atomically.
// Concurrent readers see either the old map or the new one, never a partial.
func (r *Reducer) Run(ctx context.Context) error {
	embeddings, err := r.store.AllEmbeddings(ctx)
	if err != nil {
		return fmt.Errorf("load embeddings: %w", err)
	}
	if len(embeddings) == 0 {
		r.log.Warn().Msg("no embeddings found, nothing to map")
		return nil
	}

	vectors := make([][]float32, len(embeddings))
	for i, e := range embeddings {
		vectors[i] = e.Vector
	}

	r.log.Info().Int("count", len(vectors)).Msg("reducing embeddings to 3d")
	coords := ReduceTo3D(vectors)

	points := make([]store.Point3D, len(coords))
	for i, c := range coords {
		points[i] = store.Point3D{
			ChunkID: embeddings[i].ChunkID,
			X:       c[0],
			Y:       c[1],
			Z:       c[2],
		}
	}

	if err := r.store.Replace3D(ctx, points); err != nil {
		return fmt.Errorf("replace 3d map: %w", err)
	}
	r.log.Info().Int("count", len(points)).Msg("3d coordinates updated")
	return nil
}
