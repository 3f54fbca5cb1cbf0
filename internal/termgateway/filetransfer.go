package termgateway

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"github.com/gorilla/websocket"

	"termgateway/internal/apperr"
	"termgateway/internal/workspace"
	"termgateway/internal/wsproto"
)

// downloadChunkSize bounds the payload of each file_download chunk frame; the
// file itself is read into memory whole before it is split.
const downloadChunkSize = 64 * 1024

// uploadState accumulates the chunks of one file upload announced by a
// file_upload_start frame, for verification once file_upload_complete
// arrives. Not safe for concurrent use; owned entirely by the connection's
// read-pump goroutine.
type uploadState struct {
	path     string
	declared int64
	sha      string
	buf      bytes.Buffer
}

// handleFileUploadStart begins tracking a new upload, discarding any prior
// one that was never completed.
func (c *connection) handleFileUploadStart(msg wsproto.Message) {
	c.upload = &uploadState{path: msg.Path, declared: msg.Size, sha: msg.SHA256}
}

// handleFileChunk feeds one chunk into the in-progress upload, if any.
// Chunks arriving with no announced upload are dropped.
func (c *connection) handleFileChunk(payload []byte) {
	if c.upload == nil {
		return
	}
	c.upload.buf.Write(payload)
}

// handleFileUploadComplete verifies the accumulated upload against its
// declared size and checksum, persists it through the session's sandbox on
// success, and reports a checksum_mismatch error without writing anything on
// failure.
func (c *connection) handleFileUploadComplete(msg wsproto.Message) {
	up := c.upload
	c.upload = nil
	if up == nil {
		c.sendControl(wsproto.Message{Type: wsproto.TypeError, Code: string(apperr.CodeInvalidMessage), Message: "no upload in progress"})
		return
	}

	data := up.buf.Bytes()
	if up.declared > 0 && int64(len(data)) != up.declared {
		c.sendControl(wsproto.Message{Type: wsproto.TypeError, Code: string(apperr.CodeChecksumMismatch), Message: "uploaded size does not match declared size"})
		return
	}
	sum := sha256.Sum256(data)
	computed := hex.EncodeToString(sum[:])
	if up.sha != "" && computed != up.sha {
		c.sendControl(wsproto.Message{Type: wsproto.TypeError, Code: string(apperr.CodeChecksumMismatch), Message: "uploaded checksum does not match declared checksum"})
		return
	}

	if err := c.sess.Sandbox.WriteFile(up.path, data, 0o644); err != nil {
		appErr := workspace.AsAppError(err)
		c.sendControl(wsproto.Message{Type: wsproto.TypeError, Code: string(appErr.Code), Message: appErr.Message})
		return
	}
	c.sendControl(wsproto.Message{Type: wsproto.TypeFileUploadComplete, Path: up.path, SHA256: computed, Size: int64(len(data))})
}

// handleFileDownload reads a workspace file, announces it with its
// computed checksum, streams it as chunked binary frames, then closes the
// transfer out.
func (c *connection) handleFileDownload(msg wsproto.Message) {
	data, err := c.sess.Sandbox.ReadFile(msg.Path)
	if err != nil {
		appErr := workspace.AsAppError(err)
		c.sendControl(wsproto.Message{Type: wsproto.TypeError, Code: string(appErr.Code), Message: appErr.Message})
		return
	}

	sum := sha256.Sum256(data)
	chunkCount := (len(data) + downloadChunkSize - 1) / downloadChunkSize
	if chunkCount == 0 {
		chunkCount = 1
	}
	c.sendControl(wsproto.Message{
		Type:       wsproto.TypeFileDownloadStart,
		Path:       msg.Path,
		Size:       int64(len(data)),
		SHA256:     hex.EncodeToString(sum[:]),
		ChunkCount: chunkCount,
	})

	for id, offset := uint32(0), 0; offset < len(data); id, offset = id+1, offset+downloadChunkSize {
		end := offset + downloadChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := c.writeRaw(websocket.BinaryMessage, wsproto.EncodeFileChunk(id, data[offset:end])); err != nil {
			return
		}
	}
	c.sendControl(wsproto.Message{Type: wsproto.TypeFileDownloadComplete, Path: msg.Path})
}
