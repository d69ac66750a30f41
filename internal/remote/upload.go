package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/edvin/vaultsync/internal/ratelimit"
)

// BaseChunkSize is the upload protocol's chunk granularity: every chunk
// except the last must be a multiple of 256 KiB.
const BaseChunkSize = 256 * 1024

// chunkTargetSeconds tunes adaptive chunk sizing: chunks grow or shrink so
// each send takes roughly this long, keeping progress observable on slow
// links without throttling fast ones.
const chunkTargetSeconds = 10

// sessionExpiration is how long a resumable session handle is trusted. The
// server invalidates them after seven days; we stop a day early.
const sessionExpiration = 6 * 24 * time.Hour

// sessionMaxFailures caps resume attempts against one session so a broken
// session doesn't get retried forever. Resets on every successful chunk.
const sessionMaxFailures = 100

var rangeRe = regexp.MustCompile(`^bytes=0-(\d+)$`)

// UploadSession is the handle for one resumable upload. It survives between
// sync passes so a failed upload resumes where it left off instead of
// re-sending everything.
type UploadSession struct {
	Location    string
	Fingerprint string
	TotalSize   int64
	StartedAt   time.Time

	offset   int64
	failures int
}

// Usable reports whether the session may still be resumed for the backup
// identified by fingerprint.
func (s *UploadSession) Usable(fingerprint string, now time.Time) bool {
	return s != nil &&
		s.Location != "" &&
		s.Fingerprint == fingerprint &&
		s.failures < sessionMaxFailures &&
		now.Before(s.StartedAt.Add(sessionExpiration))
}

// StartUpload opens a resumable upload session, declaring the total size and
// mime type up front. The returned session's location is where the bytes go.
func (c *Client) StartUpload(ctx context.Context, url string, metadata any, totalSize int64, mimeType string) (*UploadSession, error) {
	resp, err := c.Request(ctx, http.MethodPost, url, &RequestOptions{
		JSON: metadata,
		Headers: map[string]string{
			"X-Upload-Content-Type":   mimeType,
			"X-Upload-Content-Length": strconv.FormatInt(totalSize, 10),
		},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, &APIError{Kind: ProtocolError, Status: resp.StatusCode, Reason: "upload session response missing Location header"}
	}
	return &UploadSession{
		Location:    location,
		Fingerprint: fmt.Sprint(metadata),
		TotalSize:   totalSize,
		StartedAt:   c.clock.Now(),
	}, nil
}

// ResumeUpload asks the server where a previously interrupted session left
// off and positions the session there. Returns false if the server no longer
// recognizes the session, in which case a new one must be started.
func (c *Client) ResumeUpload(ctx context.Context, sess *UploadSession) (bool, error) {
	sess.failures++
	resp, err := c.Request(ctx, http.MethodPut, sess.Location, &RequestOptions{
		RawURL: true,
		Headers: map[string]string{
			"Content-Length": "0",
			"Content-Range":  fmt.Sprintf("bytes */%d", sess.TotalSize),
		},
	})
	if err != nil {
		var ae *APIError
		// A dead session is not an upload failure, just a restart.
		if errors.As(err, &ae) && (ae.Status == http.StatusGone || ae.Status == http.StatusNotFound) {
			return false, nil
		}
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 308 {
		return false, nil
	}
	if rangeHeader := resp.Header.Get("Range"); rangeHeader != "" {
		received, err := parseRange(rangeHeader)
		if err != nil {
			return false, err
		}
		sess.offset = received + 1
	} else {
		// No Range header means the server has nothing yet.
		sess.offset = 0
	}
	c.logger.Debug().Int64("offset", sess.offset).Int64("total", sess.TotalSize).Msg("resuming interrupted upload")
	return true, nil
}

// Upload sends the stream through the session in rate-limited chunks and
// decodes the server's completion response into out. Each chunk send is
// gated by the token bucket (tokens are bytes): it takes up to the adaptive
// chunk size if available, otherwise waits for at least one base chunk.
// Chunk sizes stay multiples of 256 KiB except the final chunk. A reported
// offset that disagrees with what was sent is a protocol error, surfaced to
// the caller rather than retried.
func (c *Client) Upload(ctx context.Context, sess *UploadSession, stream io.ReadSeeker, bucket *ratelimit.TokenBucket, progress func(float64), out any) error {
	if _, err := stream.Seek(sess.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek upload stream: %w", err)
	}

	chunkSize := int64(BaseChunkSize)
	buf := make([]byte, 0, BaseChunkSize)
	for {
		want := chunkSize
		if remaining := sess.TotalSize - sess.offset; want > remaining {
			want = remaining
		}
		if want <= 0 {
			return &APIError{Kind: ProtocolError, Reason: "upload stream ended prematurely"}
		}
		if bucket != nil {
			granted, err := bucket.ConsumeWithWait(ctx, float64(min64(BaseChunkSize, want)), float64(want))
			if err != nil {
				return err
			}
			want = alignChunk(int64(granted), sess.TotalSize-sess.offset)
		}

		if cap(buf) < int(want) {
			buf = make([]byte, want)
		}
		buf = buf[:want]
		if _, err := io.ReadFull(stream, buf); err != nil {
			return fmt.Errorf("read upload chunk: %w", err)
		}

		start := sess.offset
		sendStart := c.clock.Now()
		resp, err := c.Request(ctx, http.MethodPut, sess.Location, &RequestOptions{
			RawURL: true,
			Body:   bytes.NewReader(buf),
			Headers: map[string]string{
				"Content-Length": strconv.FormatInt(want, 10),
				"Content-Range":  fmt.Sprintf("bytes %d-%d/%d", start, start+want-1, sess.TotalSize),
			},
		})
		if err != nil {
			var ae *APIError
			if errors.As(err, &ae) && ae.Status >= 400 && ae.Status < 500 {
				// 4XX means the session is no good anymore.
				sess.Location = ""
			}
			return err
		}
		sess.failures = 0
		chunkSize = nextChunkSize(want, c.clock.Now().Sub(sendStart))

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated:
			err := decodeBody(resp, out)
			if progress != nil {
				progress(1.0)
			}
			return err
		case 308:
			rangeHeader := resp.Header.Get("Range")
			resp.Body.Close()
			received, err := parseRange(rangeHeader)
			if err != nil {
				return err
			}
			if received != start+want-1 {
				return &APIError{
					Kind:   ProtocolError,
					Status: resp.StatusCode,
					Reason: fmt.Sprintf("server acknowledged offset %d, expected %d", received+1, start+want),
				}
			}
			sess.offset = received + 1
			if progress != nil {
				progress(float64(sess.offset) / float64(sess.TotalSize))
			}
		default:
			resp.Body.Close()
			return &APIError{Kind: ProtocolError, Status: resp.StatusCode, Reason: "unexpected upload chunk status"}
		}
	}
}

func decodeBody(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode upload completion: %w", err)
	}
	return nil
}

// nextChunkSize grows or shrinks the chunk toward the send-time target,
// keeping it a positive multiple of the base chunk size.
func nextChunkSize(lastSize int64, lastDuration time.Duration) int64 {
	if lastDuration <= 0 {
		return maxChunkSize
	}
	next := int64(float64(lastSize) * chunkTargetSeconds / lastDuration.Seconds())
	if next > maxChunkSize {
		return maxChunkSize
	}
	if next < BaseChunkSize {
		return BaseChunkSize
	}
	return (next / BaseChunkSize) * BaseChunkSize
}

// maxChunkSize caps adaptive growth so a single chunk never pins memory or
// starves the rate limiter's smoothing.
const maxChunkSize = 40 * BaseChunkSize

// alignChunk rounds granted down to a chunk multiple, except when the
// remainder of the stream is smaller than one base chunk.
func alignChunk(granted, remaining int64) int64 {
	if remaining <= BaseChunkSize {
		if granted > remaining {
			return remaining
		}
		return granted
	}
	aligned := (granted / BaseChunkSize) * BaseChunkSize
	if aligned < BaseChunkSize {
		aligned = BaseChunkSize
	}
	if aligned > remaining {
		aligned = (remaining / BaseChunkSize) * BaseChunkSize
		if aligned == 0 {
			aligned = remaining
		}
	}
	return aligned
}

func parseRange(header string) (int64, error) {
	m := rangeRe.FindStringSubmatch(header)
	if m == nil {
		return 0, &APIError{Kind: ProtocolError, Reason: fmt.Sprintf("malformed Range header %q", header)}
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, &APIError{Kind: ProtocolError, Reason: fmt.Sprintf("malformed Range header %q", header)}
	}
	return n, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
