package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

// UploadSession is one upload in progress. It is registered in the manager's
// live table from creation until finalize, invalidation, or sweep.
type UploadSession struct {
	ID           string
	Owner        string
	Filename     string
	Mimetype     string
	DeclaredSize int64
	BytesWritten int64
	FilePath     string
	CreatedAt    time.Time
}

// DownloadSession is one download handle. The payload is sliced into frame
// sized pieces at creation and the session is immutable afterwards.
type DownloadSession struct {
	ID       string
	Owner    string
	FileID   string
	Filename string
	Mimetype string

	size   int64
	chunks [][]byte
	expiry *clock.Timer
}

// Size returns the total payload size in bytes.
func (d *DownloadSession) Size() int64 {
	return d.size
}

// ChunkCount returns the number of pieces the payload was sliced into.
func (d *DownloadSession) ChunkCount() int {
	return len(d.chunks)
}

// Chunk returns the piece at index.
func (d *DownloadSession) Chunk(index int) ([]byte, bool) {
	if index < 0 || index >= len(d.chunks) {
		return nil, false
	}
	return d.chunks[index], true
}

// sessionID derives a collision-resistant session id from the file name, the
// owner, and the creation time.
func sessionID(name, owner string, now time.Time) string {
	digest := sha256.Sum256([]byte(name + ":" + owner + strconv.FormatInt(now.Unix(), 10)))
	return hex.EncodeToString(digest[:])
}

// sliceChunks splits a payload into pieces of at most max bytes. The last
// piece may be shorter; concatenating all pieces in order reproduces the
// payload exactly.
func sliceChunks(payload []byte, max int) [][]byte {
	if max <= 0 {
		max = 1
	}
	chunks := make([][]byte, 0, (len(payload)+max-1)/max)
	for len(payload) > max {
		chunks = append(chunks, payload[:max])
		payload = payload[max:]
	}
	if len(payload) > 0 {
		chunks = append(chunks, payload)
	}
	return chunks
}

// sanitizeOwner maps an owner name onto a safe directory name.
func sanitizeOwner(owner string) string {
	var b strings.Builder
	b.Grow(len(owner))
	for _, r := range owner {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
