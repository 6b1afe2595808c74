package store

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for a Firestore-backed collection.
type FirestoreConfig struct {
	ProjectID      string `yaml:"project_id"`
	CollectionName string `yaml:"collection_name"`
}

// FirestoreCollection is a generic Collection over one Firestore collection.
// Documents are mapped with DataTo, so V should carry firestore struct tags.
type FirestoreCollection[V any] struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreCollection creates a new generic FirestoreCollection.
func NewFirestoreCollection[V any](
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreCollection[V], error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name cannot be empty")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreCollection initialized.")

	return &FirestoreCollection[V]{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreCollection").Str("collection", cfg.CollectionName).Logger(),
	}, nil
}

// Get retrieves a single document from Firestore by its ID.
func (s *FirestoreCollection[V]) Get(ctx context.Context, id string) (V, error) {
	var zero V
	docSnap, err := s.client.Collection(s.collectionName).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Warn().Str("id", id).Msg("Document not found in Firestore.")
			return zero, fmt.Errorf("%w: %s/%s", ErrNotFound, s.collectionName, id)
		}
		s.logger.Error().Err(err).Str("id", id).Msg("Failed to get document from Firestore.")
		return zero, fmt.Errorf("firestore get for %s: %w", id, err)
	}

	var value V
	if err := docSnap.DataTo(&value); err != nil {
		s.logger.Error().Err(err).Str("id", id).Msg("Failed to map Firestore document data.")
		return zero, fmt.Errorf("firestore DataTo for %s: %w", id, err)
	}

	s.logger.Debug().Str("id", id).Msg("Successfully fetched document from Firestore.")
	return value, nil
}

// List retrieves every document in the collection.
func (s *FirestoreCollection[V]) List(ctx context.Context) ([]V, error) {
	query := s.client.Collection(s.collectionName).OrderBy(firestore.DocumentID, firestore.Asc)
	return s.run(ctx, query, "list")
}

// Where retrieves the documents whose field equals value.
func (s *FirestoreCollection[V]) Where(ctx context.Context, field string, value any) ([]V, error) {
	query := s.client.Collection(s.collectionName).
		Where(field, "==", value).
		OrderBy(firestore.DocumentID, firestore.Asc)
	return s.run(ctx, query, "where "+field)
}

func (s *FirestoreCollection[V]) run(ctx context.Context, query firestore.Query, op string) ([]V, error) {
	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		s.logger.Error().Err(err).Str("op", op).Msg("Failed to query Firestore.")
		return nil, fmt.Errorf("firestore %s on %s: %w", op, s.collectionName, err)
	}

	values := make([]V, 0, len(snaps))
	for _, snap := range snaps {
		var value V
		if err := snap.DataTo(&value); err != nil {
			s.logger.Error().Err(err).Str("id", snap.Ref.ID).Msg("Failed to map Firestore document data.")
			return nil, fmt.Errorf("firestore DataTo for %s: %w", snap.Ref.ID, err)
		}
		values = append(values, value)
	}

	s.logger.Debug().Str("op", op).Int("count", len(values)).Msg("Successfully queried Firestore.")
	return values, nil
}

// Set creates or overwrites a document.
func (s *FirestoreCollection[V]) Set(ctx context.Context, id string, value V) error {
	_, err := s.client.Collection(s.collectionName).Doc(id).Set(ctx, value)
	if err != nil {
		s.logger.Error().Err(err).Str("id", id).Msg("Failed to write document to Firestore.")
		return fmt.Errorf("firestore set for %s: %w", id, err)
	}
	s.logger.Debug().Str("id", id).Msg("Successfully wrote document to Firestore.")
	return nil
}

// Delete removes a document from Firestore.
func (s *FirestoreCollection[V]) Delete(ctx context.Context, id string) error {
	_, err := s.client.Collection(s.collectionName).Doc(id).Delete(ctx)
	if err != nil {
		// It's often acceptable to ignore "not found" errors on delete.
		if status.Code(err) == codes.NotFound {
			return nil
		}
		s.logger.Error().Err(err).Str("id", id).Msg("Failed to delete document from Firestore.")
		return fmt.Errorf("firestore delete for %s: %w", id, err)
	}
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreCollection[V]) Close() error {
	return nil
}
