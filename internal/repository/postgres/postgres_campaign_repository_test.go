package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crucible/internal/models"
	"crucible/internal/repository"
)

func TestPostgresCampaignRepository_Upsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresCampaignRepository(db)

	deadline := time.Now().Add(4 * time.Hour)
	mock.ExpectExec("INSERT INTO crs.campaigns").
		WithArgs("campaign-1", "libpng", deadline).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Upsert(context.Background(), models.Campaign{
		ID:          "campaign-1",
		ProjectName: "libpng",
		Deadline:    &deadline,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCampaignRepository_FindByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresCampaignRepository(db)

	mock.ExpectQuery("SELECT id, project_name, deadline, created_at").
		WithArgs("campaign-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_name", "deadline", "created_at"}).
			AddRow("campaign-1", "libpng", nil, time.Now()))

	campaign, err := repo.FindByID(context.Background(), "campaign-1")
	require.NoError(t, err)
	assert.Equal(t, "libpng", campaign.ProjectName)
	assert.Nil(t, campaign.Deadline)
}

func TestPostgresCampaignRepository_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresCampaignRepository(db)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery("SELECT id, project_name, deadline, created_at").
		WithArgs(5, 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_name", "deadline", "created_at"}).
			AddRow("campaign-6", "libpng", nil, time.Now()).
			AddRow("campaign-7", "libxml2", nil, time.Now()))

	result, err := repo.List(context.Background(), 2, 5)
	require.NoError(t, err)
	assert.Len(t, result.Items, 2)
	assert.Equal(t, 12, result.TotalItems)
	assert.Equal(t, 3, result.TotalPages)
	assert.True(t, result.HasNextPage)
	assert.True(t, result.HasPreviousPage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCampaignRepository_FindByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresCampaignRepository(db)

	mock.ExpectQuery("SELECT id, project_name, deadline, created_at").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_name", "deadline", "created_at"}))

	_, err = repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrCampaignNotFound)
}
