package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/offsync/internal/model"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testEpoch is a fixed, millisecond-aligned base time for test records.
var testEpoch = time.UnixMilli(1_700_000_000_000).UTC()

// at returns testEpoch plus n seconds.
func at(n int) time.Time {
	return testEpoch.Add(time.Duration(n) * time.Second)
}

// createTestMutation creates a pending mutation with minimal required fields.
func createTestMutation(id string, key model.Key, created time.Time) model.PendingMutation {
	return model.PendingMutation{
		ID:         id,
		Key:        key,
		Action:     model.ActionUpdate,
		Payload:    model.Payload{},
		CreatedAt:  created,
		ModifiedAt: created,
	}
}

func testKey(site, typ, resource, instance string) model.Key {
	return model.Key{SiteID: site, ResourceType: typ, ResourceKey: resource, InstanceKey: instance}
}
