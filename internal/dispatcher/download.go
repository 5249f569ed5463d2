package dispatcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// DownloadMetadata is fetched ahead of the streamed download to set the
// response's Content-Type and filename; the upstream's metadata endpoint
// is the one place this gateway reads a file's name before streaming it.
type DownloadMetadata struct {
	ContentType string
	FileName    string
}

// StreamDownload executes call and, on success, streams the upstream
// body directly to w, setting Content-Disposition from meta. The upstream
// body is closed here before returning (Do already arranges for closing
// it to cancel the call's context).
func (d *Dispatcher) StreamDownload(ctx context.Context, call UpstreamCall, meta DownloadMetadata, w http.ResponseWriter) error {
	resp, err := d.Do(ctx, call)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return translateHTTPError(resp.StatusCode, nil, call.Path)
	}

	contentType := meta.ContentType
	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.FileName))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, resp.Body)
	return nil
}
