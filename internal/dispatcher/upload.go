package dispatcher

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/technosupport/api-gateway/internal/envelope"
	"github.com/technosupport/api-gateway/internal/spool"
)

const MaxUploadBytes = 10 * 1024 * 1024

var allowedUploadExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".pdf": true, ".doc": true, ".docx": true,
	".xls": true, ".xlsx": true, ".txt": true, ".csv": true,
}

// UploadRequest describes one inbound multipart upload before it's
// spooled and forwarded. File is the raw part stream off the wire; it is
// never fully buffered in memory.
type UploadRequest struct {
	Call      UpstreamCall
	FieldName string
	FileName  string
	File      io.Reader
}

// Upload spools the incoming file stream to disk, bounded by
// MaxUploadBytes, then forwards it upstream as multipart/form-data. The
// outbound body is piped, so the size ceiling bounds disk, not heap.
func (d *Dispatcher) Upload(ctx context.Context, spooler *spool.Manager, req UploadRequest) (*http.Response, error) {
	ext := strings.ToLower(filepath.Ext(req.FileName))
	if !allowedUploadExtensions[ext] {
		return nil, envelope.BadRequest("The uploaded file type is not supported.")
	}

	spooled, err := spooler.Spool(req.Call.TenantID, ext, req.File, MaxUploadBytes)
	if err != nil {
		if err == spool.ErrTooLarge {
			return nil, envelope.PayloadTooLarge("The uploaded file exceeds the 10 MiB limit.")
		}
		return nil, envelope.Internal(err)
	}
	defer spooled.Cleanup()

	pr, pw := io.Pipe()
	// Closing the read end unblocks the writer goroutine if the round
	// trip never consumes the body (breaker open, dial failure).
	defer pr.Close()

	writer := multipart.NewWriter(pw)
	go func() {
		part, err := writer.CreateFormFile(req.FieldName, req.FileName)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, spooled); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	call := req.Call
	call.Body = pr
	call.ContentType = writer.FormDataContentType()

	return d.Do(ctx, call)
}
