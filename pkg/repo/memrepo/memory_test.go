package memrepo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/serviceerr"
)

const testGroup = "t1:session-1"

func TestMemoryRepo_ListEpisodesOrderAndTail(t *testing.T) {
	r := NewMemoryRepo(NewStore())
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i, content := range []string{"first", "second", "third"} {
		require.NoError(t, r.SaveEpisode(ctx, testGroup, &models.Episode{
			ID:          content,
			Content:     content,
			ContentType: models.ContentMessage,
			OccurredAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	out, err := r.ListEpisodes(ctx, testGroup, repo.EpisodeQuery{ContentType: models.ContentMessage})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "first", out[0].Content)
	assert.Equal(t, "third", out[2].Content)

	// Limit keeps the most recent tail.
	out, err = r.ListEpisodes(ctx, testGroup, repo.EpisodeQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "second", out[0].Content)
	assert.Equal(t, "third", out[1].Content)

	// Groups are isolated.
	out, err = r.ListEpisodes(ctx, "t1:other", repo.EpisodeQuery{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMemoryRepo_SearchEpisodesText(t *testing.T) {
	r := NewMemoryRepo(NewStore())
	ctx := context.Background()
	require.NoError(t, r.SaveEpisode(ctx, testGroup, &models.Episode{Content: "User: my order is late"}))
	require.NoError(t, r.SaveEpisode(ctx, testGroup, &models.Episode{Content: "User: thanks for the help"}))

	out, err := r.SearchEpisodesText(ctx, testGroup, "ORDER", 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Content, "order")
}

func TestMemoryRepo_ActiveRelationships(t *testing.T) {
	r := NewMemoryRepo(NewStore())
	ctx := context.Background()

	closed := time.Now()
	require.NoError(t, r.SaveRelationship(ctx, testGroup, &models.Relationship{
		ID: "old", FromEntityID: "user", ToEntityID: "plan-basic", RelationType: "subscribed_to", ValidTo: &closed,
	}))
	require.NoError(t, r.SaveRelationship(ctx, testGroup, &models.Relationship{
		ID: "current", FromEntityID: "user", ToEntityID: "plan-pro", RelationType: "subscribed_to",
	}))
	require.NoError(t, r.SaveRelationship(ctx, testGroup, &models.Relationship{
		ID: "other", FromEntityID: "user", ToEntityID: "ticket-1", RelationType: "opened",
	}))

	active, err := r.ActiveRelationships(ctx, testGroup, "user", "subscribed_to")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "plan-pro", active[0].ToEntityID)

	// Closing the open row ends the relationship.
	now := time.Now()
	require.NoError(t, r.SaveRelationship(ctx, testGroup, &models.Relationship{
		ID: "current", FromEntityID: "user", ToEntityID: "plan-pro", RelationType: "subscribed_to", ValidTo: &now,
	}))
	active, err = r.ActiveRelationships(ctx, testGroup, "user", "subscribed_to")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMemoryRepo_Traverse(t *testing.T) {
	r := NewMemoryRepo(NewStore())
	ctx := context.Background()

	for _, id := range []string{"user", "order", "product"} {
		require.NoError(t, r.SaveEntity(ctx, testGroup, &models.Entity{ID: id, Name: id, Type: "node"}))
	}
	require.NoError(t, r.SaveRelationship(ctx, testGroup, &models.Relationship{
		ID: "r1", FromEntityID: "user", ToEntityID: "order", RelationType: "placed",
	}))
	require.NoError(t, r.SaveRelationship(ctx, testGroup, &models.Relationship{
		ID: "r2", FromEntityID: "order", ToEntityID: "product", RelationType: "contains",
	}))

	entities, rels, err := r.Traverse(ctx, testGroup, "user", 1)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "order", entities[0].ID)
	require.Len(t, rels, 1)

	entities, rels, err = r.Traverse(ctx, testGroup, "user", 2)
	require.NoError(t, err)
	assert.Len(t, entities, 2)
	assert.Len(t, rels, 2)

	_, _, err = r.Traverse(ctx, testGroup, "ghost", 2)
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)
}

func TestMemoryRepo_DeleteGroup(t *testing.T) {
	r := NewMemoryRepo(NewStore())
	ctx := context.Background()

	require.NoError(t, r.SaveEpisode(ctx, testGroup, &models.Episode{Content: "hello"}))
	require.NoError(t, r.SaveEntity(ctx, testGroup, &models.Entity{ID: "e1", Name: "Dana"}))
	require.NoError(t, r.DeleteGroup(ctx, testGroup))

	out, err := r.ListEpisodes(ctx, testGroup, repo.EpisodeQuery{})
	require.NoError(t, err)
	assert.Empty(t, out)
	ents, err := r.ListEntities(ctx, testGroup, "")
	require.NoError(t, err)
	assert.Empty(t, ents)
}

func TestMemoryRepo_SaveEpisodeValidation(t *testing.T) {
	r := NewMemoryRepo(NewStore())
	err := r.SaveEpisode(context.Background(), testGroup, &models.Episode{})
	assert.ErrorIs(t, err, serviceerr.ErrInvalidInput)
}
