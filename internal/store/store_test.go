package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgemend/internal/analyze"
	"forgemend/internal/healing"
)

func openTestArchive(t *testing.T) *SessionArchive {
	t.Helper()
	a, err := OpenArchive(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	return a
}

func sampleStatus(id, artifactID string, state healing.State) healing.Status {
	now := time.Now()
	return healing.Status{
		ID:          id,
		ArtifactID:  artifactID,
		CallerID:    "caller-1",
		State:       state,
		MaxAttempts: 3,
		LastScore:   0.95,
		Attempts: []healing.Attempt{{
			Number:     1,
			Cause:      analyze.CauseLogicTest,
			Confidence: 0.9,
			Applied:    true,
			Outcome:    "applied",
			StartedAt:  now,
			FinishedAt: now,
		}},
		CreatedAt:  now,
		FinishedAt: &now,
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	in := sampleStatus("sess-1", "art-1", healing.StateHealed)
	require.NoError(t, a.Archive(ctx, in))

	out, err := a.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, healing.StateHealed, out.State)
	assert.Equal(t, "art-1", out.ArtifactID)
	assert.Equal(t, "caller-1", out.CallerID)
	assert.Equal(t, 0.95, out.LastScore)
	require.Len(t, out.Attempts, 1)
	assert.Equal(t, analyze.CauseLogicTest, out.Attempts[0].Cause)
	assert.True(t, out.Attempts[0].Applied)
}

func TestGetUnknownSession(t *testing.T) {
	a := openTestArchive(t)
	_, err := a.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListByArtifact(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	for _, st := range []healing.Status{
		sampleStatus("sess-a", "art-1", healing.StateHealed),
		sampleStatus("sess-b", "art-1", healing.StateExhausted),
		sampleStatus("sess-c", "art-2", healing.StateHealed),
	} {
		require.NoError(t, a.Archive(ctx, st))
	}

	got, err := a.ListByArtifact(ctx, "art-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, st := range got {
		assert.Equal(t, "art-1", st.ArtifactID)
	}
}

func TestArchiveUpsertIsIdempotent(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	st := sampleStatus("sess-1", "art-1", healing.StateHealed)
	require.NoError(t, a.Archive(ctx, st))
	require.NoError(t, a.Archive(ctx, st))

	got, err := a.ListByArtifact(ctx, "art-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
