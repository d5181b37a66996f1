package clipboard

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"go.klb.dev/meshclip/internal/meshmsg"
)

func TestNormalizePlainText(t *testing.T) {
	clip, ok := Normalize("hello world", "dev-a", clockwork.NewFakeClock())
	require.True(t, ok)
	require.Equal(t, meshmsg.ClipText, clip.Type)
	require.Equal(t, "hello world", clip.Content)
	require.NotEmpty(t, clip.ID)
}

func TestNormalizeEmptyYieldsNoClip(t *testing.T) {
	_, ok := Normalize("   \x01\x02  ", "dev-a", clockwork.NewFakeClock())
	require.False(t, ok)
}

func TestNormalizeURL(t *testing.T) {
	clip, ok := Normalize("https://example.com/path", "dev-a", clockwork.NewFakeClock())
	require.True(t, ok)
	require.Equal(t, meshmsg.ClipURL, clip.Type)
}

func TestNormalizeDataImageURI(t *testing.T) {
	clip, ok := Normalize("data:image/png;base64,QUJD", "dev-a", clockwork.NewFakeClock())
	require.True(t, ok)
	require.Equal(t, meshmsg.ClipImage, clip.Type)
	require.Equal(t, "QUJD", clip.Content)
	require.NotNil(t, clip.ExpiresAt)
}

func TestNormalizeDataFileURI(t *testing.T) {
	clip, ok := Normalize("data:application/pdf;base64,QUJD", "dev-a", clockwork.NewFakeClock())
	require.True(t, ok)
	require.Equal(t, meshmsg.ClipFile, clip.Type)
	require.NotNil(t, clip.ExpiresAt)
}

func TestNormalizeStripsControlCharsAndTrims(t *testing.T) {
	clip, ok := Normalize("  \x07hello\x07  ", "dev-a", clockwork.NewFakeClock())
	require.True(t, ok)
	require.Equal(t, "hello", clip.Content)
}

func TestHashTextDiffersOnChange(t *testing.T) {
	require.NotEqual(t, HashText("a"), HashText("b"))
	require.Equal(t, HashText("same"), HashText("same"))
}
