package operator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/streamrt/internal/buffer"
)

func TestGetUnknownOperatorReturnsNotFound(t *testing.T) {
	_, err := Get("does-not-exist", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListIncludesRegisteredEcho(t *testing.T) {
	assert.Contains(t, List(), "echo")
}

func TestEchoForwardsInputUnchanged(t *testing.T) {
	op, err := Get("echo", nil)
	require.NoError(t, err)
	defer op.Close()

	in := buffer.NewDataBuffer([]byte("hello"))
	defer in.Release()

	out, err := op.Process(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	defer out[0].Release()

	assert.Equal(t, []byte("hello"), out[0].Bytes())
}

func TestDuplicateRegisterPanics(t *testing.T) {
	assert.Panics(t, func() {
		Register("echo", func() Operator { return &Echo{} })
	})
}
