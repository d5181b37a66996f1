package clipboard

import (
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"go.klb.dev/meshclip/internal/meshmsg"
)

// ImageExpiry is how long a normalized image/file clip survives before
// history pruning considers it expired, independent of the retention
// window.
const ImageExpiry = 30 * 24 * time.Hour

var dataImageURI = regexp.MustCompile(`^data:image/(png|jpeg);base64,(.+)$`)
var dataAnyURI = regexp.MustCompile(`^data:[^;]+;base64,(.+)$`)

// Normalize implements the shared clipboard-text normalization contract
// (§4.7): strip control characters (newline and tab are kept) and trim,
// classify the result as url,
// image, file, or plain text, and stamp identity/timing fields. Empty input
// after stripping yields (Clip{}, false).
func Normalize(raw string, senderID string, clock clockwork.Clock) (meshmsg.Clip, bool) {
	text := stripControl(raw)
	text = strings.TrimSpace(text)
	if text == "" {
		return meshmsg.Clip{}, false
	}

	now := clock.Now()
	clip := meshmsg.Clip{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		Timestamp: now.UnixMilli(),
	}

	switch {
	case isHTTPURL(text):
		clip.Type = meshmsg.ClipURL
		clip.Content = text
	case dataImageURI.MatchString(text):
		m := dataImageURI.FindStringSubmatch(text)
		clip.Type = meshmsg.ClipImage
		clip.Content = m[2]
		expiresAt := now.Add(ImageExpiry).UnixMilli()
		clip.ExpiresAt = &expiresAt
	case dataAnyURI.MatchString(text):
		m := dataAnyURI.FindStringSubmatch(text)
		clip.Type = meshmsg.ClipFile
		clip.Content = m[1]
		expiresAt := now.Add(ImageExpiry).UnixMilli()
		clip.ExpiresAt = &expiresAt
	default:
		clip.Type = meshmsg.ClipText
		clip.Content = text
	}

	return clip, true
}

func isHTTPURL(text string) bool {
	u, err := url.Parse(text)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func stripControl(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// HashText returns the FNV-1a hash of text, used by pollers to detect
// clipboard changes without retaining full content between polls.
func HashText(text string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	var h uint64 = offset64
	for i := 0; i < len(text); i++ {
		h ^= uint64(text[i])
		h *= prime64
	}
	return h
}
