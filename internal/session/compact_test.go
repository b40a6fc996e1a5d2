package session

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fillSession appends n alternating user/assistant messages of ~400 bytes.
func fillSession(t *testing.T, store *Store, id string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		content := fmt.Sprintf("message %d: %s", i, strings.Repeat("lorem ipsum ", 30))
		_, err := store.AppendMessage(id, Message{Role: role, Content: content, ToolsUsed: []string{"bash"}})
		require.NoError(t, err)
	}
}

func TestCompactReducesFootprint(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Create(CreateOptions{})
	require.NoError(t, err)
	fillSession(t, store, sess.ID, 40)

	before, err := store.Get(sess.ID)
	require.NoError(t, err)
	beforeTokens := sessionTokens(before.Messages)

	res, err := store.Compact(context.Background(), sess.ID, beforeTokens/4)
	require.NoError(t, err)
	assert.Greater(t, res.TokensSaved, int64(0))
	assert.Greater(t, res.Compacted, 0)

	after, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Less(t, sessionTokens(after.Messages), beforeTokens)

	// Summary leads, tagged, system role, and carries the tool set.
	first := after.Messages[0]
	assert.Equal(t, RoleSystem, first.Role)
	assert.Equal(t, TagSummary, first.Tag)
	assert.Contains(t, first.Content, "bash")

	// The last 10 messages survive verbatim.
	tail := after.Messages[len(after.Messages)-keepTailLen:]
	origTail := before.Messages[len(before.Messages)-keepTailLen:]
	for i := range tail {
		assert.Equal(t, origTail[i].Content, tail[i].Content)
	}
}

func TestCompactNoOpUnderTarget(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Create(CreateOptions{})
	require.NoError(t, err)
	fillSession(t, store, sess.ID, 12)

	res, err := store.Compact(context.Background(), sess.ID, 1<<40)
	require.NoError(t, err)
	assert.Zero(t, res.Compacted)
}

func TestCompactIdempotent(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Create(CreateOptions{})
	require.NoError(t, err)
	fillSession(t, store, sess.ID, 40)

	target := int64(2500)
	_, err = store.Compact(context.Background(), sess.ID, target)
	require.NoError(t, err)
	once, err := store.Export(sess.ID)
	require.NoError(t, err)

	_, err = store.Compact(context.Background(), sess.ID, target)
	require.NoError(t, err)
	twice, err := store.Export(sess.ID)
	require.NoError(t, err)

	assert.Equal(t, string(once), string(twice))
}

func TestCompactStableWhenTailAloneExceedsTarget(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Create(CreateOptions{})
	require.NoError(t, err)
	fillSession(t, store, sess.ID, 40)

	// Target below the kept tail's own footprint: the first pass compacts
	// what it can, the second must not touch the summary it left behind.
	_, err = store.Compact(context.Background(), sess.ID, 100)
	require.NoError(t, err)
	once, err := store.Export(sess.ID)
	require.NoError(t, err)

	res, err := store.Compact(context.Background(), sess.ID, 100)
	require.NoError(t, err)
	assert.Zero(t, res.Compacted)

	twice, err := store.Export(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))
}

func TestCompactPreservesReferencedUserMessages(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Create(CreateOptions{})
	require.NoError(t, err)

	// Old user message introducing a file, then filler, then a tail that
	// still references the same file.
	_, err = store.AppendMessage(sess.ID, Message{Role: RoleUser,
		Content: "please refactor internal/auth/token.go to use the new signer"})
	require.NoError(t, err)
	fillSession(t, store, sess.ID, 20)
	_, err = store.AppendMessage(sess.ID, Message{Role: RoleUser,
		Content: "did the change to internal/auth/token.go land?"})
	require.NoError(t, err)

	_, err = store.Compact(context.Background(), sess.ID, 500)
	require.NoError(t, err)

	after, err := store.Get(sess.ID)
	require.NoError(t, err)

	found := false
	for _, m := range after.Messages {
		if m.Role == RoleUser && strings.Contains(m.Content, "please refactor internal/auth/token.go") {
			found = true
		}
	}
	assert.True(t, found, "user message introducing a still-referenced file must survive")
}

func TestCompactCancelledLeavesSessionUntouched(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Create(CreateOptions{})
	require.NoError(t, err)
	fillSession(t, store, sess.ID, 40)

	before, err := store.Export(sess.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Compact(ctx, sess.ID, 100)
	require.Error(t, err)

	after, err := store.Export(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}
