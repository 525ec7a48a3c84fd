package blacklist

import (
	"context"
	"testing"
	"time"

	"github.com/irisdrone/checkpoint/internal/database/dbtest"
	"github.com/irisdrone/checkpoint/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"กข1234":     "กข1234",
		" กข 1234 ":  "กข1234",
		"ab-12":      "AB-12",
		"ab\tc 12 3": "ABC123",
		"   ":        "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "Normalize(%q)", in)
	}
}

func TestMatch_ThaiPlateWithoutExpiry(t *testing.T) {
	repo := NewRepository(dbtest.New(t), nil)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &models.BlacklistEntry{PlateText: "กข1234", Reason: "stolen", AddedBy: "ops"}))

	hit, err := repo.Match(ctx, "กข 1234")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "stolen", hit.Reason)

	miss, err := repo.Match(ctx, "กข1235")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestMatch_ExpiredEntryIgnored(t *testing.T) {
	repo := NewRepository(dbtest.New(t), nil)
	ctx := context.Background()

	yesterday := time.Now().Add(-24 * time.Hour)
	require.NoError(t, repo.Create(ctx, &models.BlacklistEntry{PlateText: "กข1234", Reason: "expired", Expiry: &yesterday}))

	hit, err := repo.Match(ctx, "กข1234")
	require.NoError(t, err)
	assert.Nil(t, hit)

	tomorrow := time.Now().Add(24 * time.Hour)
	require.NoError(t, repo.Create(ctx, &models.BlacklistEntry{PlateText: "กข1234", Reason: "wanted", Expiry: &tomorrow}))

	hit, err = repo.Match(ctx, "กข1234")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "wanted", hit.Reason)
}

func TestMatch_DeactivatedEntryIgnored(t *testing.T) {
	repo := NewRepository(dbtest.New(t), nil)
	ctx := context.Background()

	entry := &models.BlacklistEntry{PlateText: "ABC123", Reason: "stolen"}
	require.NoError(t, repo.Create(ctx, entry))
	require.NoError(t, repo.Deactivate(ctx, entry.ID))

	hit, err := repo.Match(ctx, "ABC123")
	require.NoError(t, err)
	assert.Nil(t, hit)

	assert.ErrorIs(t, repo.Deactivate(ctx, 9999), ErrNotFound)
}

func TestMatch_NewestEntryWins(t *testing.T) {
	db := dbtest.New(t)
	repo := NewRepository(db, nil)
	ctx := context.Background()

	older := &models.BlacklistEntry{PlateText: "ABC123", Reason: "first"}
	require.NoError(t, repo.Create(ctx, older))
	require.NoError(t, db.Model(older).Update("created_at", time.Now().UTC().Add(-time.Hour)).Error)
	require.NoError(t, repo.Create(ctx, &models.BlacklistEntry{PlateText: "abc 123", Reason: "second"}))

	hit, err := repo.Match(ctx, "abc123")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "second", hit.Reason)
}

func TestMatch_DashIsSignificant(t *testing.T) {
	repo := NewRepository(dbtest.New(t), nil)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &models.BlacklistEntry{PlateText: "ab-12", Reason: "stolen"}))

	hit, err := repo.Match(ctx, "AB12")
	require.NoError(t, err)
	assert.Nil(t, hit)

	hit, err = repo.Match(ctx, " Ab-12 ")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "stolen", hit.Reason)
}

func TestMatch_UnnormalizedRowsStillMatch(t *testing.T) {
	db := dbtest.New(t)
	repo := NewRepository(db, nil)
	ctx := context.Background()

	// written directly, bypassing Create
	require.NoError(t, db.Create(&models.BlacklistEntry{PlateText: "xy 99", Reason: "legacy", IsActive: true}).Error)

	hit, err := repo.Match(ctx, "XY99")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "legacy", hit.Reason)
}

func TestCountActive(t *testing.T) {
	repo := NewRepository(dbtest.New(t), nil)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	require.NoError(t, repo.Create(ctx, &models.BlacklistEntry{PlateText: "A1"}))
	require.NoError(t, repo.Create(ctx, &models.BlacklistEntry{PlateText: "B2", Expiry: &past}))
	off := &models.BlacklistEntry{PlateText: "C3"}
	require.NoError(t, repo.Create(ctx, off))
	require.NoError(t, repo.Deactivate(ctx, off.ID))

	n, err := repo.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
