package apiclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/hula-im/hula-core/internal/apperr"
	"github.com/rs/zerolog/log"
)

// Event is one server-sent event frame.
type Event struct {
	Event string
	Data  string
	ID    string
}

// Stream is a live streaming response. It must be closed by the caller;
// cancelling the context passed to Client.Stream also closes it.
type Stream struct {
	resp   *http.Response
	reader *bufio.Reader

	closeOnce sync.Once
	closeErr  error
	stop      func() bool
}

// Stream sends req with Accept: text/event-stream and returns the live
// response. Only the HTTP status is checked. Session expiry is not refreshed
// here: a stream cannot be replayed, so the caller must refresh and re-issue.
func (c *Client) Stream(ctx context.Context, req Request) (*Stream, error) {
	logger := log.Ctx(ctx).With().
		Str("method", req.Method).
		Str("path", req.Path).
		Logger()

	header := http.Header{}
	header.Set("Accept", "text/event-stream")
	for name, values := range req.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	req.Header = header

	httpReq, err := buildRequest(ctx, c.BaseURL(), c.defaults, req, c.credentials.AccessToken())
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		logger.Warn().Err(err).Msg("stream request failed to send")
		return nil, apperr.Wrap(apperr.KindTransport, err, "network request failed")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		logger.Error().Int("status", resp.StatusCode).Msg("stream request returned an error status")

		switch resp.StatusCode {
		case http.StatusNotAcceptable:
			return nil, &apperr.Error{
				Kind:    apperr.KindSessionExpired,
				Status:  resp.StatusCode,
				Message: "session expired, refresh the token and retry",
			}
		case http.StatusUnauthorized:
			return nil, &apperr.Error{
				Kind:    apperr.KindUnauthorized,
				Status:  resp.StatusCode,
				Message: "please log in again",
			}
		default:
			return nil, &apperr.Error{
				Kind:    apperr.KindTransport,
				Status:  resp.StatusCode,
				Message: fmt.Sprintf("stream request failed (HTTP %d)", resp.StatusCode),
			}
		}
	}

	logger.Debug().Msg("stream opened")

	s := &Stream{
		resp:   resp,
		reader: bufio.NewReader(resp.Body),
	}
	s.stop = context.AfterFunc(ctx, func() {
		_ = s.close()
	})

	return s, nil
}

// Header returns the response headers.
func (s *Stream) Header() http.Header {
	return s.resp.Header
}

// Read reads raw bytes from the stream. It shares a buffer with Next, so
// callers should use one or the other.
func (s *Stream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

// Next returns the next event. io.EOF is returned once the stream ends.
func (s *Stream) Next() (Event, error) {
	var (
		ev      Event
		data    []string
		pending bool
	)

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF && pending {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			return Event{}, err
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if pending {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Event = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		case "id":
			ev.ID = value
			pending = true
		}
	}
}

// Close releases the response body. It is safe to call more than once.
func (s *Stream) Close() error {
	if s.stop != nil {
		s.stop()
	}
	return s.close()
}

func (s *Stream) close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.resp.Body.Close()
	})
	return s.closeErr
}
