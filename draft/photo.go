package draft

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// Fingerprint identifies a photo's source asset so re-imports of the same
// picture are recognized. It prefers a content hash, then the platform asset
// id, then size plus file name. It returns "" when nothing is known.
func Fingerprint(contentHash, assetID string, size int64, name string) string {
	switch {
	case contentHash != "":
		return "sha256:" + strings.ToLower(contentHash)
	case assetID != "":
		return "asset:" + assetID
	case size > 0 || name != "":
		return fmt.Sprintf("file:%d:%s", size, strings.ToLower(name))
	}
	return ""
}

// HashContent returns the hex sha256 of r.
func HashContent(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash photo: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Photo is one selected picture.
type Photo struct {
	Key         string `json:"key"`
	ID          string `json:"id"`
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Size        int64  `json:"size,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// normalize fills a missing Key from the first non-empty of URI, ID and
// Name, then gives the photo an id if it has none.
func (p Photo) normalize() Photo {
	if p.Key == "" {
		p.Key = firstNonEmpty(p.URI, p.ID, p.Name)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Key == "" {
		p.Key = p.ID
	}
	return p
}

func (p Photo) matches(key string) bool {
	return key != "" && (p.Key == key || p.URI == key || p.ID == key)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
