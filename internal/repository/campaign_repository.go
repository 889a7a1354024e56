package repository

import (
	"context"

	"crucible/internal/models"
)

// CampaignRepository stores the campaign records that group related tasks.
type CampaignRepository interface {
	Upsert(ctx context.Context, campaign models.Campaign) error
	FindByID(ctx context.Context, id string) (*models.Campaign, error)
	List(ctx context.Context, page int, pageSize int) (*models.PaginationResult[models.Campaign], error)
	Close() error
}
