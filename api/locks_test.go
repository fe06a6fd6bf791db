package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockTable(t *testing.T) {
	t.Run("GrantAndDeny", func(t *testing.T) {
		room := newRoom("doc1")

		granted, owner := room.TryLock("title", "alice")
		assert.True(t, granted)
		assert.Equal(t, "alice", owner)

		granted, owner = room.TryLock("title", "bob")
		assert.False(t, granted)
		assert.Equal(t, "alice", owner)
	})

	t.Run("ReaffirmByHolder", func(t *testing.T) {
		room := newRoom("doc1")

		granted, _ := room.TryLock("title", "alice")
		assert.True(t, granted)
		granted, owner := room.TryLock("title", "alice")
		assert.True(t, granted)
		assert.Equal(t, "alice", owner)
	})

	t.Run("UnlockByHolder", func(t *testing.T) {
		room := newRoom("doc1")

		room.TryLock("title", "alice")
		assert.True(t, room.Unlock("title", "alice"))

		_, locked := room.LockHolder("title")
		assert.False(t, locked)

		granted, _ := room.TryLock("title", "bob")
		assert.True(t, granted)
	})

	t.Run("UnlockByNonHolderIsNoOp", func(t *testing.T) {
		room := newRoom("doc1")

		room.TryLock("title", "alice")
		assert.False(t, room.Unlock("title", "bob"))

		holder, locked := room.LockHolder("title")
		assert.True(t, locked)
		assert.Equal(t, "alice", holder)
	})

	t.Run("UnlockUnknownElementIsNoOp", func(t *testing.T) {
		room := newRoom("doc1")
		assert.False(t, room.Unlock("nothing", "alice"))
	})

	t.Run("ReleaseAll", func(t *testing.T) {
		room := newRoom("doc1")

		room.TryLock("title", "alice")
		room.TryLock("subtitle", "alice")
		room.TryLock("body", "bob")

		released := room.ReleaseAll("alice")
		assert.ElementsMatch(t, []string{"title", "subtitle"}, released)

		_, locked := room.LockHolder("title")
		assert.False(t, locked)
		holder, locked := room.LockHolder("body")
		assert.True(t, locked)
		assert.Equal(t, "bob", holder)
	})

	t.Run("ReleaseAllWithNoLocks", func(t *testing.T) {
		room := newRoom("doc1")
		assert.Empty(t, room.ReleaseAll("alice"))
	})
}
