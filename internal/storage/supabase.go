// Package storage archives finished call transcripts to Supabase Storage.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/Omkarthipparthi/voice-agent/internal/llm"
)

type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// Supabase uploads one plain-text transcript per call under
// transcripts/<stream-sid>-<unix-timestamp>.txt.
type Supabase struct {
	client *supabase.Client
	bucket string
	now    func() time.Time
}

func NewSupabase(config Config) (*Supabase, error) {
	client, err := supabase.NewClient(config.URL, config.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Supabase{client: client, bucket: config.Bucket, now: time.Now}, nil
}

func (s *Supabase) Archive(ctx context.Context, streamSID string, history []llm.Message) error {
	if len(history) == 0 {
		return nil
	}
	key := fmt.Sprintf("transcripts/%s-%d.txt", streamSID, s.now().Unix())
	data := FormatTranscript(history)
	if _, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("upload transcript: %w", err)
	}
	return nil
}

// FormatTranscript renders a conversation as line-oriented plain text,
// one "role: text" line per turn.
func FormatTranscript(history []llm.Message) []byte {
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return []byte(b.String())
}
