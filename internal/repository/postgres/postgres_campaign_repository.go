package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"crucible/internal/models"
	"crucible/internal/repository"
)

type PostgresCampaignRepository struct {
	db *sql.DB
}

func NewPostgresCampaignRepository(db *sql.DB) *PostgresCampaignRepository {
	return &PostgresCampaignRepository{
		db: db,
	}
}

func (r *PostgresCampaignRepository) Upsert(ctx context.Context, campaign models.Campaign) error {
	query := `
        INSERT INTO crs.campaigns (id, project_name, deadline, created_at)
        VALUES ($1, $2, $3, now())
        ON CONFLICT (id) DO UPDATE SET
            project_name = EXCLUDED.project_name,
            deadline = EXCLUDED.deadline
    `

	_, err := r.db.ExecContext(ctx, query, campaign.ID, campaign.ProjectName, campaign.Deadline)
	if err != nil {
		return fmt.Errorf("failed to upsert campaign %s: %w", campaign.ID, err)
	}
	return nil
}

func (r *PostgresCampaignRepository) FindByID(ctx context.Context, id string) (*models.Campaign, error) {
	query := `
		SELECT id, project_name, deadline, created_at
		FROM crs.campaigns
		WHERE id = $1
	`

	var campaign models.Campaign
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&campaign.ID,
		&campaign.ProjectName,
		&campaign.Deadline,
		&campaign.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, repository.ErrCampaignNotFound
	}
	if err != nil {
		return nil, err
	}
	return &campaign, nil
}

func (r *PostgresCampaignRepository) List(ctx context.Context, page int, pageSize int) (*models.PaginationResult[models.Campaign], error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize

	var totalItems int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crs.campaigns`).Scan(&totalItems); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_name, deadline, created_at
		FROM crs.campaigns
		ORDER BY created_at ASC
		LIMIT $1 OFFSET $2
	`, pageSize, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		var campaign models.Campaign
		if err := rows.Scan(&campaign.ID, &campaign.ProjectName, &campaign.Deadline, &campaign.CreatedAt); err != nil {
			continue
		}
		campaigns = append(campaigns, campaign)
	}

	totalPages := int(math.Ceil(float64(totalItems) / float64(pageSize)))
	return &models.PaginationResult[models.Campaign]{
		Items:           campaigns,
		TotalItems:      totalItems,
		Page:            page,
		PageSize:        pageSize,
		TotalPages:      totalPages,
		HasNextPage:     page < totalPages,
		HasPreviousPage: page > 1,
	}, nil
}

func (r *PostgresCampaignRepository) Close() error {
	return r.db.Close()
}
