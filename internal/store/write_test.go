package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
)

func TestSave_InsertAssignsSeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.Save(ctx, createTestMutation("m1", testKey("s1", "glossary-entry", "g1", "apple"), at(0)))
	require.NoError(t, err)
	second, err := s.Save(ctx, createTestMutation("m2", testKey("s1", "glossary-entry", "g1", "pear"), at(0)))
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, at(0), first.CreatedAt)
}

func TestSave_CanonicalPayload(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	m := createTestMutation("m1", testKey("s1", "forum-reply", "d1", "new:1"), at(0))
	m.Payload = model.Payload{"subject": "Re: hi", "message": "<b>ok</b>"}
	_, err := s.Save(ctx, m)
	require.NoError(t, err)

	var payload string
	err = s.db.QueryRow(`SELECT payload FROM pending_mutations WHERE id = 'm1'`).Scan(&payload)
	require.NoError(t, err)
	assert.Equal(t, `{"message":"<b>ok</b>","subject":"Re: hi"}`, payload)
}

// Amending an unsent edit must never create a second row for the same key.
func TestSave_UpsertKeepsSingleRecord(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := testKey("s1", "glossary-entry", "g1", "apple")

	orig := createTestMutation("m1", key, at(0))
	orig.Action = model.ActionCreate
	orig.Payload = model.Payload{"definition": "A fruit"}
	_, err := s.Save(ctx, orig)
	require.NoError(t, err)

	amend := createTestMutation("m2", key, at(30))
	amend.Action = model.ActionCreate
	amend.Payload = model.Payload{"definition": "A red fruit"}
	amend.AttachmentsRef = "s1/glossary-entry/g1/apple"
	saved, err := s.Save(ctx, amend)
	require.NoError(t, err)

	n, err := s.Count(ctx, model.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, "m1", saved.ID, "id is stable across amendments")
	assert.Equal(t, at(0), saved.CreatedAt, "created_at is preserved")
	assert.Equal(t, at(30), saved.ModifiedAt)
	assert.Equal(t, int64(1), saved.Seq)
	assert.Equal(t, "A red fruit", saved.Payload.String("definition"))
	assert.Equal(t, "s1/glossary-entry/g1/apple", saved.AttachmentsRef)
}

func TestSave_UpsertKeepsEarliestBaseline(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := testKey("s1", "assign-submission", "a1", "onlinetext")

	unknown := createTestMutation("m1", key, at(0))
	_, err := s.Save(ctx, unknown)
	require.NoError(t, err)

	withBaseline := createTestMutation("m1", key, at(10))
	withBaseline.Baseline = at(-100)
	saved, err := s.Save(ctx, withBaseline)
	require.NoError(t, err)
	assert.Equal(t, at(-100), saved.Baseline, "unknown baseline is filled in")

	later := createTestMutation("m1", key, at(20))
	later.Baseline = at(-5)
	saved, err = s.Save(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, at(-100), saved.Baseline, "known baseline is kept")
}

func TestSave_Validation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		m    model.PendingMutation
	}{
		{"missing id", createTestMutation("", testKey("s1", "t", "r", "i"), at(0))},
		{"missing instance", createTestMutation("m1", testKey("s1", "t", "r", ""), at(0))},
		{"missing action", func() model.PendingMutation {
			m := createTestMutation("m1", testKey("s1", "t", "r", "i"), at(0))
			m.Action = ""
			return m
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Save(ctx, tt.m)
			assert.Error(t, err)
		})
	}
}

func TestSave_ClosedStoreIsStorageError(t *testing.T) {
	s := createTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.Save(context.Background(), createTestMutation("m1", testKey("s1", "t", "r", "i"), at(0)))
	require.Error(t, err)
	assert.True(t, model.IsStorage(err))
}

func TestDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := testKey("s1", "glossary-entry", "g1", "apple")

	_, err := s.Save(ctx, createTestMutation("m1", key, at(0)))
	require.NoError(t, err)

	deleted, err := s.Delete(ctx, key)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, key)
	require.NoError(t, err)
	assert.False(t, deleted, "second delete is a no-op")

	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRekeyResource_MovesAllTypes(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Save(ctx, createTestMutation("m1", testKey("s1", "forum-discussion", "new:d", "new:d"), at(0)))
	require.NoError(t, err)
	_, err = s.Save(ctx, createTestMutation("m2", testKey("s1", "forum-reply", "new:d", "new:r"), at(1)))
	require.NoError(t, err)
	_, err = s.Save(ctx, createTestMutation("m3", testKey("s2", "forum-reply", "new:d", "new:r"), at(2)))
	require.NoError(t, err)
	require.NoError(t, s.SetSyncTime(ctx, model.ResourceRef{SiteID: "s1", ResourceType: "forum-reply", ResourceKey: "new:d"}, at(5)))

	moved, err := s.RekeyResource(ctx, "s1", "new:d", "42")
	require.NoError(t, err)
	assert.Equal(t, []model.Key{
		testKey("s1", "forum-discussion", "new:d", "new:d"),
		testKey("s1", "forum-reply", "new:d", "new:r"),
	}, moved)

	reply, err := s.Get(ctx, testKey("s1", "forum-reply", "42", "new:r"))
	require.NoError(t, err)
	assert.Equal(t, "m2", reply.ID)

	// Other sites are untouched.
	_, err = s.Get(ctx, testKey("s2", "forum-reply", "new:d", "new:r"))
	assert.NoError(t, err)

	synced, err := s.SyncTime(ctx, model.ResourceRef{SiteID: "s1", ResourceType: "forum-reply", ResourceKey: "new:d"})
	require.NoError(t, err)
	assert.True(t, synced.IsZero())
}

func TestRekeyResource_SameKey(t *testing.T) {
	s := createTestStore(t)

	moved, err := s.RekeyResource(context.Background(), "s1", "7", "7")
	require.NoError(t, err)
	assert.Empty(t, moved)
}

func TestDeleteSite(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Save(ctx, createTestMutation("m1", testKey("s1", "rating", "c1", "item-1"), at(0)))
	require.NoError(t, err)
	_, err = s.Save(ctx, createTestMutation("m2", testKey("s1", "blog-entry", "u1", "new:e"), at(1)))
	require.NoError(t, err)
	_, err = s.Save(ctx, createTestMutation("m3", testKey("s2", "rating", "c1", "item-1"), at(2)))
	require.NoError(t, err)
	ref := model.ResourceRef{SiteID: "s1", ResourceType: "rating", ResourceKey: "c1"}
	require.NoError(t, s.SetSyncTime(ctx, ref, at(3)))

	removed, err := s.DeleteSite(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	sites, err := s.Sites(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, sites)

	synced, err := s.SyncTime(ctx, ref)
	require.NoError(t, err)
	assert.True(t, synced.IsZero())
}

func TestSyncTime_Upsert(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ref := model.ResourceRef{SiteID: "s1", ResourceType: "wiki-page", ResourceKey: "w1"}

	never, err := s.SyncTime(ctx, ref)
	require.NoError(t, err)
	assert.True(t, never.IsZero())

	require.NoError(t, s.SetSyncTime(ctx, ref, at(1)))
	require.NoError(t, s.SetSyncTime(ctx, ref, at(2)))

	got, err := s.SyncTime(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, at(2), got)
}

func TestSetAttachmentsRef(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := testKey("s1", "forum-reply", "42", "new:r")

	_, err := s.Save(ctx, createTestMutation("m1", key, at(0)))
	require.NoError(t, err)

	require.NoError(t, s.SetAttachmentsRef(ctx, key, "s1/forum-reply/42/new:r"))
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "s1/forum-reply/42/new:r", got.AttachmentsRef)

	err = s.SetAttachmentsRef(ctx, testKey("s1", "forum-reply", "42", "other"), "x")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAdvanceBaseline(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ref := model.ResourceRef{SiteID: "s1", ResourceType: "wiki-page", ResourceKey: "w1"}

	old := createTestMutation("m1", ref.Key("a"), at(0))
	old.Baseline = at(1)
	newer := createTestMutation("m2", ref.Key("b"), at(1))
	newer.Baseline = at(9)
	unknown := createTestMutation("m3", ref.Key("c"), at(2))
	other := createTestMutation("m4", testKey("s1", "wiki-page", "w2", "a"), at(3))
	other.Baseline = at(1)

	for _, m := range []model.PendingMutation{old, newer, unknown, other} {
		_, err := s.Save(ctx, m)
		require.NoError(t, err)
	}

	n, err := s.AdvanceBaseline(ctx, ref, at(5))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, old.Key)
	require.NoError(t, err)
	assert.Equal(t, at(5), got.Baseline)

	got, err = s.Get(ctx, newer.Key)
	require.NoError(t, err)
	assert.Equal(t, at(9), got.Baseline, "newer baseline untouched")

	got, err = s.Get(ctx, unknown.Key)
	require.NoError(t, err)
	assert.True(t, got.Baseline.IsZero(), "unknown baseline stays unknown")

	got, err = s.Get(ctx, other.Key)
	require.NoError(t, err)
	assert.Equal(t, at(1), got.Baseline, "other resources untouched")
}

func TestFillBaseline(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ref := model.ResourceRef{SiteID: "s1", ResourceType: "wiki-page", ResourceKey: "w1"}

	known := createTestMutation("m1", ref.Key("a"), at(0))
	known.Baseline = at(1)
	unknown := createTestMutation("m2", ref.Key("b"), at(1))
	other := createTestMutation("m3", testKey("s1", "wiki-page", "w2", "a"), at(2))

	for _, m := range []model.PendingMutation{known, unknown, other} {
		_, err := s.Save(ctx, m)
		require.NoError(t, err)
	}

	n, err := s.FillBaseline(ctx, ref, at(5))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, unknown.Key)
	require.NoError(t, err)
	assert.Equal(t, at(5), got.Baseline)

	got, err = s.Get(ctx, known.Key)
	require.NoError(t, err)
	assert.Equal(t, at(1), got.Baseline, "known baseline untouched")

	got, err = s.Get(ctx, other.Key)
	require.NoError(t, err)
	assert.True(t, got.Baseline.IsZero(), "other resources untouched")

	n, err = s.FillBaseline(ctx, ref, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)
}
