package streams

import (
	"context"

	"github.com/google/uuid"
)

// TranscriptLinker resolves a download link for an archived chat transcript.
type TranscriptLinker interface {
	TranscriptURL(ctx context.Context, sessionID, ownerID uuid.UUID) (string, error)
}

type transcriptKeys interface {
	TranscriptKey(ctx context.Context, sessionID, ownerID uuid.UUID) (string, error)
}

type transcriptPresigner interface {
	PresignTranscript(ctx context.Context, key string) (string, error)
}

// Transcripts links archived transcripts through pre-signed URLs.
type Transcripts struct {
	keys    transcriptKeys
	presign transcriptPresigner
}

// NewTranscripts creates a linker over the session repository and object store.
func NewTranscripts(keys transcriptKeys, presign transcriptPresigner) *Transcripts {
	return &Transcripts{keys: keys, presign: presign}
}

// TranscriptURL returns a short-lived download URL for the transcript.
func (t *Transcripts) TranscriptURL(ctx context.Context, sessionID, ownerID uuid.UUID) (string, error) {
	key, err := t.keys.TranscriptKey(ctx, sessionID, ownerID)
	if err != nil {
		return "", err
	}
	return t.presign.PresignTranscript(ctx, key)
}
