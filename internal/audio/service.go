package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// ServiceDecoder delegates decoding to a remote HTTP decode service.
//
// The service accepts the encoded bytes as the POST body of /decode, with the
// mime hint as Content-Type, and answers with interleaved little-endian
// float32 PCM. X-Sample-Rate and X-Channels describe the payload.
type ServiceDecoder struct {
	apiURL string
	http   *http.Client
	log    zerolog.Logger
}

// NewServiceDecoder creates a decode service client.
func NewServiceDecoder(apiURL string, log zerolog.Logger) *ServiceDecoder {
	return &ServiceDecoder{
		apiURL: apiURL,
		http:   &http.Client{Timeout: 60 * time.Second},
		log:    log.With().Str("component", "decode-service").Logger(),
	}
}

// WaitForHealthy blocks until the decode service responds to health checks.
func (s *ServiceDecoder) WaitForHealthy(ctx context.Context, interval time.Duration) error {
	s.log.Info().Str("url", s.apiURL).Msg("waiting for decode service")
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL+"/health", nil)
		if err != nil {
			return fmt.Errorf("create health request: %w", err)
		}
		resp, err := s.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				s.log.Info().Msg("decode service is healthy")
				return nil
			}
		}

		s.log.Debug().Err(err).Dur("retry_in", interval).Msg("decode service not ready")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (s *ServiceDecoder) Decode(ctx context.Context, data []byte, mimeHint string) (*Buffer, error) {
	url := fmt.Sprintf("%s/decode?rate=%d&channels=%d&format=f32le", s.apiURL, SampleRate, Channels)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if mimeHint == "" {
		mimeHint = "application/octet-stream"
	}
	req.Header.Set("Content-Type", mimeHint)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: submit to decode service: %v", ErrDecode, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read decode response: %v", ErrDecode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: decode service (status %d): %s", ErrDecode, resp.StatusCode, bytes.TrimSpace(body))
	}

	rate, err := strconv.Atoi(resp.Header.Get("X-Sample-Rate"))
	if err != nil || rate <= 0 {
		return nil, fmt.Errorf("%w: decode service sent bad X-Sample-Rate %q", ErrDecode, resp.Header.Get("X-Sample-Rate"))
	}
	channels, err := strconv.Atoi(resp.Header.Get("X-Channels"))
	if err != nil || channels <= 0 {
		return nil, fmt.Errorf("%w: decode service sent bad X-Channels %q", ErrDecode, resp.Header.Get("X-Channels"))
	}
	samples := BytesToFloat32(body)
	if len(samples) < channels {
		return nil, fmt.Errorf("%w: decode service returned no samples", ErrDecode)
	}

	s.log.Debug().Int("rate", rate).Int("channels", channels).Int("bytes", len(body)).Msg("decoded remotely")
	return Resample(Deinterleave(samples, channels, rate), SampleRate)
}
