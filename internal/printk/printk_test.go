package printk

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"venix/internal/bootinfo"
)

func TestNewFallsBackToTextModeGeometryWithoutAFramebuffer(t *testing.T) {
	s := New(&bytes.Buffer{}, bootinfo.Framebuffer{})
	require.EqualValues(t, 25, s.Rows())
	require.EqualValues(t, 80, s.Cols())
}

func TestNewDerivesGeometryFromFramebufferDimensions(t *testing.T) {
	s := New(&bytes.Buffer{}, bootinfo.Framebuffer{Width: 1024, Height: 768})
	require.EqualValues(t, 1024/8, s.Cols())
	require.EqualValues(t, 768/16, s.Rows())
}

func TestWriteStringForwardsToUnderlyingWriter(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, bootinfo.Framebuffer{})
	s.WriteString("hello")
	require.Equal(t, "hello", buf.String())
}

func TestWriteSatisfiesIOWriter(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, bootinfo.Framebuffer{})
	n, err := s.Write([]byte("world"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", buf.String())
}
