package checkpoint

import (
	"testing"

	"github.com/joeycumines/go-memento/persist"
	"github.com/stretchr/testify/require"
)

func TestCheckpoint_PeekEmpty(t *testing.T) {
	c := New[int]()
	_, ok := c.Peek()
	require.False(t, ok)
}

func TestCheckpoint_RunNotRecovering(t *testing.T) {
	c := New[int]()
	got := c.Run(persist.NoopFlusher{}, false, 7, nil)
	require.Equal(t, 7, got)

	saved, ok := c.Peek()
	require.True(t, ok)
	require.Equal(t, 7, saved)
}

func TestCheckpoint_RunRecoveringReturnsSaved(t *testing.T) {
	c := New[int]()
	c.Run(persist.NoopFlusher{}, false, 7, nil)

	var ifExistsArg int
	got := c.Run(persist.NoopFlusher{}, true, 99, func(v int) { ifExistsArg = v })

	require.Equal(t, 7, got, "recovery must return the saved value, not the new candidate")
	require.Equal(t, 99, ifExistsArg)
}

func TestCheckpoint_RunRecoveringNoSavedValueActsNormal(t *testing.T) {
	c := New[int]()
	got := c.Run(persist.NoopFlusher{}, true, 7, func(int) { t.Fatal("ifExists must not run when nothing was saved") })
	require.Equal(t, 7, got)
}

func TestCheckpoint_Reset(t *testing.T) {
	c := New[string]()
	c.Run(persist.NoopFlusher{}, false, "hello", nil)
	c.Reset(persist.NoopFlusher{})

	_, ok := c.Peek()
	require.False(t, ok)
}
