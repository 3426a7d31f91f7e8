package harness

import (
	"crypto/sha256"
	"encoding/hex"
)

// bodyPreview is the journal's view of a response body.
type bodyPreview struct {
	text   string
	size   int
	sha256 string // set only when text is cut
}

// previewBody keeps at most limit bytes of body. A non-positive limit keeps
// everything.
func previewBody(body []byte, limit int) bodyPreview {
	p := bodyPreview{text: string(body), size: len(body)}
	if limit > 0 && len(body) > limit {
		sum := sha256.Sum256(body)
		p.text = string(body[:limit])
		p.sha256 = hex.EncodeToString(sum[:])
	}
	return p
}

func (p bodyPreview) truncated() bool { return p.sha256 != "" }
