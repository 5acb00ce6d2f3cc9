package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
)

func TestGet_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := testKey("s1", "workshop-submission", "w1", "new:abc")

	m := createTestMutation("m1", key, at(0))
	m.Action = model.ActionCreate
	m.Payload = model.Payload{"title": "Essay", "words": 1200}
	m.Baseline = at(-60)
	m.AttachmentsRef = "s1/workshop-submission/w1/new%3Aabc"
	_, err := s.Save(ctx, m)
	require.NoError(t, err)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ID)
	assert.Equal(t, key, got.Key)
	assert.Equal(t, model.ActionCreate, got.Action)
	assert.Equal(t, model.Payload{"title": "Essay", "words": float64(1200)}, got.Payload)
	assert.Equal(t, at(-60), got.Baseline)
	assert.Equal(t, m.AttachmentsRef, got.AttachmentsRef)
}

func TestGet_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.Get(context.Background(), testKey("s1", "t", "r", "i"))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestList_CreationOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// Inserted out of creation order; two share a millisecond.
	_, err := s.Save(ctx, createTestMutation("m-c", testKey("s1", "forum-reply", "d1", "c"), at(5)))
	require.NoError(t, err)
	_, err = s.Save(ctx, createTestMutation("m-a", testKey("s1", "forum-reply", "d1", "a"), at(1)))
	require.NoError(t, err)
	_, err = s.Save(ctx, createTestMutation("m-b", testKey("s1", "forum-reply", "d1", "b"), at(1)))
	require.NoError(t, err)

	list, err := s.List(ctx, model.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "m-a", list[0].ID)
	assert.Equal(t, "m-b", list[1].ID, "seq breaks ties within a millisecond")
	assert.Equal(t, "m-c", list[2].ID)
}

func TestList_Filters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Save(ctx, createTestMutation("m1", testKey("s1", "glossary-entry", "g1", "apple"), at(0)))
	require.NoError(t, err)
	_, err = s.Save(ctx, createTestMutation("m2", testKey("s1", "glossary-entry", "g2", "pear"), at(1)))
	require.NoError(t, err)
	_, err = s.Save(ctx, createTestMutation("m3", testKey("s1", "rating", "g1", "entry-9"), at(2)))
	require.NoError(t, err)
	_, err = s.Save(ctx, createTestMutation("m4", testKey("s2", "glossary-entry", "g1", "apple"), at(3)))
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter model.Filter
		want   []string
	}{
		{"all", model.Filter{}, []string{"m1", "m2", "m3", "m4"}},
		{"site", model.Filter{SiteID: "s1"}, []string{"m1", "m2", "m3"}},
		{"site and type", model.Filter{SiteID: "s1", ResourceType: "glossary-entry"}, []string{"m1", "m2"}},
		{"one resource", model.ForResource(model.ResourceRef{SiteID: "s1", ResourceType: "glossary-entry", ResourceKey: "g1"}), []string{"m1"}},
		{"no match", model.Filter{SiteID: "s9"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := s.List(ctx, tt.filter)
			require.NoError(t, err)
			ids := make([]string, 0, len(list))
			for _, m := range list {
				ids = append(ids, m.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestList_EmptyIsNotNil(t *testing.T) {
	s := createTestStore(t)

	list, err := s.List(context.Background(), model.Filter{})
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestHasAny(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ref := model.ResourceRef{SiteID: "s1", ResourceType: "lesson-attempt", ResourceKey: "l1"}

	has, err := s.HasAny(ctx, ref)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = s.Save(ctx, createTestMutation("m1", ref.Key("page-3"), at(0)))
	require.NoError(t, err)

	has, err = s.HasAny(ctx, ref)
	require.NoError(t, err)
	assert.True(t, has)

	other := model.ResourceRef{SiteID: "s2", ResourceType: "lesson-attempt", ResourceKey: "l1"}
	has, err = s.HasAny(ctx, other)
	require.NoError(t, err)
	assert.False(t, has, "pending work is scoped to its site")
}

func TestResources_OldestFirst(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Save(ctx, createTestMutation("m1", testKey("s1", "forum-reply", "d2", "new:x"), at(3)))
	require.NoError(t, err)
	_, err = s.Save(ctx, createTestMutation("m2", testKey("s1", "forum-reply", "d1", "new:y"), at(1)))
	require.NoError(t, err)
	_, err = s.Save(ctx, createTestMutation("m3", testKey("s1", "forum-reply", "d1", "new:z"), at(4)))
	require.NoError(t, err)
	_, err = s.Save(ctx, createTestMutation("m4", testKey("s1", "rating", "c1", "i1"), at(2)))
	require.NoError(t, err)

	refs, err := s.Resources(ctx, "s1", "forum-reply")
	require.NoError(t, err)
	assert.Equal(t, []model.ResourceRef{
		{SiteID: "s1", ResourceType: "forum-reply", ResourceKey: "d1"},
		{SiteID: "s1", ResourceType: "forum-reply", ResourceKey: "d2"},
	}, refs)

	all, err := s.Resources(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSites_Sorted(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, site := range []string{"zeta", "alpha", "zeta", "mid"} {
		_, err := s.Save(ctx, createTestMutation(site+string(rune('0'+i)), testKey(site, "rating", "c", string(rune('a'+i))), at(i)))
		require.NoError(t, err)
	}

	sites, err := s.Sites(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, sites)
}
