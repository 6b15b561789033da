package memsvc

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mnemos-ai/mnemos/internal/model"
)

// CreateEntityInput is the create_entity argument set.
type CreateEntityInput struct {
	EntityType model.EntityType
	Name       string
	PersonType string
	FirstName  string
	LastName   string
	Company    string
	Title      string
	Email      string
	Phone      string
	Address    string
	Website    string
	Notes      string
	Tags       []string
	Importance *float32
	Metadata   map[string]any
}

// CreateEntity validates and stores a new entity. Entities carry no vector.
func (s *Service) CreateEntity(ctx context.Context, userID uuid.UUID, in CreateEntityInput) (model.Entity, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return model.Entity{}, err
	}
	if in.Name == "" {
		return model.Entity{}, fmt.Errorf("memsvc: entity name is required: %w", model.ErrInvalidArgument)
	}
	if in.EntityType == "" {
		in.EntityType = model.EntityPerson
	}
	if !model.ValidEntityType(in.EntityType) {
		return model.Entity{}, fmt.Errorf("memsvc: unknown entity type %q: %w", in.EntityType, model.ErrInvalidArgument)
	}
	importance := float32(0.5)
	if in.Importance != nil {
		importance = *in.Importance
	}
	if err := model.ValidateImportance(importance); err != nil {
		return model.Entity{}, err
	}
	if err := s.buffer.CheckQuota(ctx, userID); err != nil {
		return model.Entity{}, err
	}

	return s.db.CreateEntity(ctx, model.Entity{
		UserID:     userID,
		EntityType: in.EntityType,
		Name:       in.Name,
		PersonType: in.PersonType,
		FirstName:  in.FirstName,
		LastName:   in.LastName,
		Company:    in.Company,
		Title:      in.Title,
		Email:      in.Email,
		Phone:      in.Phone,
		Address:    in.Address,
		Website:    in.Website,
		Notes:      in.Notes,
		Tags:       in.Tags,
		Importance: importance,
		Metadata:   in.Metadata,
	})
}

// GetEntity looks up one entity, enforcing ownership.
func (s *Service) GetEntity(ctx context.Context, userID, id uuid.UUID) (model.Entity, error) {
	if userID == uuid.Nil {
		return model.Entity{}, fmt.Errorf("memsvc: user_id required: %w", model.ErrUnauthenticated)
	}
	return s.db.GetEntity(ctx, id, userID)
}

// UpdateEntity applies a partial update, enforcing ownership and the
// importance range.
func (s *Service) UpdateEntity(ctx context.Context, userID, id uuid.UUID, patch model.EntityPatch) (model.Entity, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return model.Entity{}, err
	}
	if patch.Importance != nil {
		if err := model.ValidateImportance(*patch.Importance); err != nil {
			return model.Entity{}, err
		}
	}
	if patch.EntityType != nil && !model.ValidEntityType(*patch.EntityType) {
		return model.Entity{}, fmt.Errorf("memsvc: unknown entity type %q: %w", *patch.EntityType, model.ErrInvalidArgument)
	}
	return s.db.UpdateEntity(ctx, id, userID, patch)
}

// DeleteEntity removes an entity; references from memories are swept in the
// same transaction by the storage layer.
func (s *Service) DeleteEntity(ctx context.Context, userID, id uuid.UUID) error {
	if userID == uuid.Nil {
		return fmt.Errorf("memsvc: user_id required: %w", model.ErrUnauthenticated)
	}
	return s.db.DeleteEntity(ctx, id, userID)
}

// SearchEntities lists entities matching a substring query and optional
// type filter.
func (s *Service) SearchEntities(ctx context.Context, userID uuid.UUID, query string, entityType *model.EntityType, limit int) ([]model.Entity, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("memsvc: user_id required: %w", model.ErrUnauthenticated)
	}
	if entityType != nil && !model.ValidEntityType(*entityType) {
		return nil, fmt.Errorf("memsvc: unknown entity type %q: %w", *entityType, model.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = 50
	}
	return s.db.ListEntities(ctx, userID, model.EntityFilter{
		EntityType: entityType,
		Query:      query,
		Limit:      limit,
	})
}
