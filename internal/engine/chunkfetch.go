package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/loonghao/turbocdn-go/internal/errs"
	"github.com/loonghao/turbocdn-go/internal/partialfile"
)

// fetchRange issues one GET Range request for [offset, offset+length)
// and streams the body directly into pf at offset (spec §4.3 worker
// pool step). ifRange, when non-empty, is sent as the preflight
// validator (spec §4.3 "the preflight validator (If-Range)") so the
// origin answers with 206 only if the resource is unchanged since the
// probe, and falls back to a full 200 the moment it drifts. Returns
// bytes written and the observed HTTP status code (0 if the request
// never got a response).
func fetchRange(ctx context.Context, client *retryablehttp.Client, rawURL string, offset, length int64, headers map[string]string, ifRange string, pf *partialfile.PartialFile) (int64, int, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, 0, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	req.Header.Set("Accept-Encoding", "identity")
	if ifRange != "" {
		req.Header.Set("If-Range", ifRange)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		buf := make([]byte, length)
		n, err := io.ReadFull(resp.Body, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return int64(n), resp.StatusCode, err
		}
		if int64(n) != length {
			return int64(n), resp.StatusCode, fmt.Errorf("engine: short chunk read: got %d want %d", n, length)
		}
		if err := pf.WriteAt(offset, buf); err != nil {
			return int64(n), resp.StatusCode, err
		}
		return int64(n), resp.StatusCode, nil
	case http.StatusOK:
		if ifRange != "" {
			// The origin answered our If-Range with a full 200: the
			// resource changed since the probe established ifRange.
			return 0, resp.StatusCode, errs.WithContext(errs.ValidatorMismatch, "", rawURL,
				fmt.Errorf("engine: validator %q rejected by If-Range, resource changed mid-download", ifRange))
		}
		return 0, resp.StatusCode, fmt.Errorf("engine: server returned 200 for a ranged request, range support withdrawn")
	default:
		return 0, resp.StatusCode, fmt.Errorf("engine: unexpected status %d for range request", resp.StatusCode)
	}
}
