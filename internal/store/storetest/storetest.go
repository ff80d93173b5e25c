// Package storetest holds the behaviour every store.SessionStore backend must share.
package storetest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codedojo/collab/internal/store"
)

// Run exercises the SessionStore contract against s.
func Run(t *testing.T, s store.SessionStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("CreateDefaults", func(t *testing.T) {
		sess, err := s.Create(ctx, "", "")
		require.NoError(t, err)
		assert.Len(t, sess.Code, store.CodeLength)
		assert.Equal(t, strings.ToUpper(sess.Code), sess.Code)
		assert.Equal(t, "python", sess.Language)
		assert.Equal(t, "", sess.Text)
		assert.False(t, sess.CreatedAt.IsZero())
	})

	t.Run("GetIsCaseInsensitive", func(t *testing.T) {
		sess, err := s.Create(ctx, "interview", "go")
		require.NoError(t, err)

		got, err := s.Get(ctx, strings.ToLower(sess.Code))
		require.NoError(t, err)
		assert.Equal(t, sess.Code, got.Code)
		assert.Equal(t, "interview", got.Title)
		assert.Equal(t, "go", got.Language)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get(ctx, "ZZZZ9999")
		assert.ErrorIs(t, err, store.ErrSessionNotFound)
	})

	t.Run("SetCodeAndLanguage", func(t *testing.T) {
		sess, err := s.Create(ctx, "", "python")
		require.NoError(t, err)

		updated, err := s.SetCode(ctx, sess.Code, "print('hi')")
		require.NoError(t, err)
		assert.Equal(t, "print('hi')", updated.Text)
		assert.Equal(t, "python", updated.Language)
		assert.False(t, updated.UpdatedAt.Before(sess.UpdatedAt))

		updated, err = s.SetLanguage(ctx, sess.Code, "java")
		require.NoError(t, err)
		assert.Equal(t, "java", updated.Language)
		assert.Equal(t, "print('hi')", updated.Text)

		updated, err = s.SetCode(ctx, sess.Code, "")
		require.NoError(t, err)
		assert.Equal(t, "", updated.Text)

		got, err := s.Get(ctx, sess.Code)
		require.NoError(t, err)
		assert.Equal(t, "", got.Text)
		assert.Equal(t, "java", got.Language)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		_, err := s.SetCode(ctx, "ZZZZ9999", "x")
		assert.ErrorIs(t, err, store.ErrSessionNotFound)
		_, err = s.SetLanguage(ctx, "ZZZZ9999", "go")
		assert.ErrorIs(t, err, store.ErrSessionNotFound)
	})

	if p, ok := s.(store.Purger); ok {
		t.Run("PurgeBefore", func(t *testing.T) {
			sess, err := s.Create(ctx, "", "")
			require.NoError(t, err)

			n, err := p.PurgeBefore(ctx, time.Now().Add(-time.Hour))
			require.NoError(t, err)
			assert.Zero(t, n)

			n, err = p.PurgeBefore(ctx, time.Now().Add(time.Hour))
			require.NoError(t, err)
			assert.GreaterOrEqual(t, n, int64(1))

			_, err = s.Get(ctx, sess.Code)
			assert.ErrorIs(t, err, store.ErrSessionNotFound)
		})
	}
}
