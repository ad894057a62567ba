package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/parish-admin-api/internal/models"
	"github.com/noah-isme/parish-admin-api/pkg/credential"
)

type fakeStore struct {
	rows    []*models.RefreshToken
	listErr error
	sets    int
}

func (s *fakeStore) ListMissingJTI(_ context.Context, limit int) ([]models.RefreshToken, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.RefreshToken
	for _, row := range s.rows {
		if row.JTI == nil && len(out) < limit {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (s *fakeStore) SetJTI(_ context.Context, id, jti string) error {
	for _, row := range s.rows {
		if row.ID == id && row.JTI == nil {
			value := jti
			row.JTI = &value
			s.sets++
		}
	}
	return nil
}

func newBackfillCodec(t *testing.T) *credential.Codec {
	t.Helper()
	codec, err := credential.NewCodec(credential.Config{Secret: "secret", Issuer: "parish-admin"})
	require.NoError(t, err)
	return codec
}

func legacyRow(t *testing.T, codec *credential.Codec, id, userID string) (*models.RefreshToken, string) {
	t.Helper()
	token, claims, err := codec.Issue(userID, credential.KindRefresh, time.Hour)
	require.NoError(t, err)
	return &models.RefreshToken{ID: id, UserID: userID, Token: token}, claims.ID
}

func TestBackfillSetsIdentifiersAcrossBatches(t *testing.T) {
	codec := newBackfillCodec(t)
	store := &fakeStore{}
	want := make(map[string]string)
	for i := 0; i < 7; i++ {
		row, jti := legacyRow(t, codec, fmt.Sprintf("rt-%d", i), "user-1")
		store.rows = append(store.rows, row)
		want[row.ID] = jti
	}

	b := &backfiller{store: store, decoder: codec, batch: 3, logger: zap.NewNop()}
	stats, err := b.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backfillStats{Updated: 7}, stats)
	for _, row := range store.rows {
		require.NotNil(t, row.JTI)
		assert.Equal(t, want[row.ID], *row.JTI)
	}
}

func TestBackfillSkipsUndecodableRows(t *testing.T) {
	codec := newBackfillCodec(t)
	good, _ := legacyRow(t, codec, "rt-good", "user-1")
	stolen, _ := legacyRow(t, codec, "rt-stolen", "user-2")
	stolen.UserID = "user-1"
	store := &fakeStore{rows: []*models.RefreshToken{
		{ID: "rt-garbage", UserID: "user-1", Token: "not-a-token"},
		stolen,
		good,
	}}

	b := &backfiller{store: store, decoder: codec, batch: 1, logger: zap.NewNop()}
	stats, err := b.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backfillStats{Updated: 1, Skipped: 2}, stats)
	assert.Nil(t, store.rows[0].JTI)
	assert.Nil(t, store.rows[1].JTI)
	assert.NotNil(t, store.rows[2].JTI)
}

func TestBackfillDryRunWritesNothing(t *testing.T) {
	codec := newBackfillCodec(t)
	store := &fakeStore{}
	for i := 0; i < 4; i++ {
		row, _ := legacyRow(t, codec, fmt.Sprintf("rt-%d", i), "user-1")
		store.rows = append(store.rows, row)
	}

	b := &backfiller{store: store, decoder: codec, batch: 2, dryRun: true, logger: zap.NewNop()}
	stats, err := b.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Updated)
	assert.Zero(t, store.sets)
}

func TestBackfillPropagatesStoreErrors(t *testing.T) {
	store := &fakeStore{listErr: errors.New("connection refused")}
	b := &backfiller{store: store, decoder: newBackfillCodec(t), batch: 10, logger: zap.NewNop()}
	_, err := b.run(context.Background())
	assert.Error(t, err)
}
