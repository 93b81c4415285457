package transfer

import (
	"errors"

	"go.uber.org/zap"

	"github.com/SanPilot/elf-backend/gateway"
	"github.com/SanPilot/elf-backend/storage"
)

// Module exposes the transfer operations as the "fileStorage" gateway
// module: four request/response actions and the upload/download special
// connection handlers.
func (m *Manager) Module() gateway.Module {
	return gateway.Module{
		Name: "fileStorage",
		Actions: map[string]gateway.HandlerFunc{
			"createUpload":   m.handleCreateUpload,
			"finalizeUpload": m.handleFinalizeUpload,
			"fileInfo":       m.handleFileInfo,
			"getFiles":       m.handleGetFiles,
			"deleteFile":     m.handleDeleteFile,
			"createDownload": m.handleCreateDownload,
		},
		Specials: map[string]gateway.SpecialFunc{
			"upload":   m.newUploadConn,
			"download": m.newDownloadConn,
		},
	}
}

// errorString maps a transfer error onto the canonical wire error.
func errorString(err error) string {
	switch {
	case errors.Is(err, ErrNoUpload):
		return gateway.ErrNoUploadSelected
	case errors.Is(err, ErrNoDownload):
		return gateway.ErrNoDownloadSelected
	case errors.Is(err, ErrFileTooLarge):
		return gateway.ErrFileTooLarge
	case errors.Is(err, ErrIncorrectSize):
		return gateway.ErrIncorrectSize
	case errors.Is(err, ErrFileNotFound):
		return gateway.ErrFileDoesNotExist
	case errors.Is(err, ErrBadChunkIndex):
		return gateway.ErrMalformedRequest
	case errors.Is(err, ErrInvalidRequest):
		return gateway.ErrMissingParameters
	case errors.Is(err, ErrNotOwner):
		return gateway.ErrAuthFailed
	default:
		return gateway.ErrFailed
	}
}

// owner authenticates a request's bearer token, writing the failure
// envelope itself when the token is missing or invalid.
func (m *Manager) owner(req *gateway.Request, conn *gateway.Conn, token string) (string, bool) {
	if token == "" {
		_ = conn.Fail(req.ID, gateway.ErrMissingParameters)
		return "", false
	}
	owner, err := m.opts.Identity.Owner(token)
	if err != nil {
		_ = conn.Fail(req.ID, gateway.ErrAuthFailed)
		return "", false
	}
	return owner, true
}

func (m *Manager) handleCreateUpload(req *gateway.Request, conn *gateway.Conn) {
	var params struct {
		Token    string `json:"token"`
		FileName string `json:"fileName"`
		Size     int64  `json:"size"`
		Mimetype string `json:"mimetype"`
	}
	if err := req.Decode(&params); err != nil {
		_ = conn.Fail(req.ID, gateway.ErrMalformedRequest)
		return
	}
	owner, ok := m.owner(req, conn, params.Token)
	if !ok {
		return
	}
	if params.FileName == "" || params.Size <= 0 {
		_ = conn.Fail(req.ID, gateway.ErrMissingParameters)
		return
	}
	if params.Size > m.opts.MaxUploadSize {
		_ = conn.Fail(req.ID, gateway.ErrFileTooLarge)
		return
	}

	session, err := m.CreateUpload(owner, params.FileName, params.Size, params.Mimetype)
	if err != nil {
		m.log.Error("create upload failed", zap.String("owner", owner), zap.Error(err))
		_ = conn.Fail(req.ID, errorString(err))
		return
	}

	_ = conn.Success(req.ID, map[string]any{
		"uploadId":       session.ID,
		"maxMessageSize": m.opts.MaxMessageSize,
	})
}

func (m *Manager) handleFinalizeUpload(req *gateway.Request, conn *gateway.Conn) {
	var params struct {
		Token    string `json:"token"`
		UploadID string `json:"uploadId"`
	}
	if err := req.Decode(&params); err != nil {
		_ = conn.Fail(req.ID, gateway.ErrMalformedRequest)
		return
	}
	if _, ok := m.owner(req, conn, params.Token); !ok {
		return
	}

	record, err := m.FinalizeUpload(params.UploadID)
	if err != nil {
		if errors.Is(err, ErrNoUpload) {
			// An unknown or already-finalized id reads as a bad request,
			// not a missing resource.
			_ = conn.Fail(req.ID, gateway.ErrMalformedRequest)
			return
		}
		if !errors.Is(err, ErrIncorrectSize) {
			m.log.Error("finalize upload failed",
				zap.String("session_id", params.UploadID),
				zap.Error(err))
		}
		_ = conn.Fail(req.ID, errorString(err))
		return
	}

	_ = conn.Success(req.ID, map[string]any{"file": record})
}

func (m *Manager) handleFileInfo(req *gateway.Request, conn *gateway.Conn) {
	var params struct {
		Token  string `json:"token"`
		FileID string `json:"fileId"`
	}
	if err := req.Decode(&params); err != nil {
		_ = conn.Fail(req.ID, gateway.ErrMalformedRequest)
		return
	}
	if _, ok := m.owner(req, conn, params.Token); !ok {
		return
	}
	if params.FileID == "" {
		_ = conn.Fail(req.ID, gateway.ErrMissingParameters)
		return
	}

	record, err := m.opts.Store.FindFile(params.FileID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = conn.Fail(req.ID, gateway.ErrFileDoesNotExist)
			return
		}
		m.log.Error("file info lookup failed", zap.String("file_id", params.FileID), zap.Error(err))
		_ = conn.Fail(req.ID, gateway.ErrFailed)
		return
	}

	_ = conn.Success(req.ID, map[string]any{"file": record})
}

func (m *Manager) handleGetFiles(req *gateway.Request, conn *gateway.Conn) {
	var params struct {
		Token string `json:"token"`
	}
	if err := req.Decode(&params); err != nil {
		_ = conn.Fail(req.ID, gateway.ErrMalformedRequest)
		return
	}
	owner, ok := m.owner(req, conn, params.Token)
	if !ok {
		return
	}

	files, err := m.ListFiles(owner)
	if err != nil {
		m.log.Error("list files failed", zap.String("owner", owner), zap.Error(err))
		_ = conn.Fail(req.ID, gateway.ErrFailed)
		return
	}

	_ = conn.Success(req.ID, map[string]any{"files": files})
}

func (m *Manager) handleDeleteFile(req *gateway.Request, conn *gateway.Conn) {
	var params struct {
		Token  string `json:"token"`
		FileID string `json:"fileId"`
	}
	if err := req.Decode(&params); err != nil {
		_ = conn.Fail(req.ID, gateway.ErrMalformedRequest)
		return
	}
	owner, ok := m.owner(req, conn, params.Token)
	if !ok {
		return
	}
	if params.FileID == "" {
		_ = conn.Fail(req.ID, gateway.ErrMissingParameters)
		return
	}

	if err := m.DeleteFile(owner, params.FileID); err != nil {
		if !errors.Is(err, ErrFileNotFound) && !errors.Is(err, ErrNotOwner) {
			m.log.Error("delete file failed",
				zap.String("file_id", params.FileID),
				zap.Error(err))
		}
		_ = conn.Fail(req.ID, errorString(err))
		return
	}

	_ = conn.Success(req.ID, nil)
}

func (m *Manager) handleCreateDownload(req *gateway.Request, conn *gateway.Conn) {
	var params struct {
		Token  string `json:"token"`
		FileID string `json:"fileId"`
	}
	if err := req.Decode(&params); err != nil {
		_ = conn.Fail(req.ID, gateway.ErrMalformedRequest)
		return
	}
	owner, ok := m.owner(req, conn, params.Token)
	if !ok {
		return
	}
	if params.FileID == "" {
		_ = conn.Fail(req.ID, gateway.ErrMissingParameters)
		return
	}

	session, err := m.CreateDownload(owner, params.FileID)
	if err != nil {
		if !errors.Is(err, ErrFileNotFound) {
			m.log.Error("create download failed",
				zap.String("file_id", params.FileID),
				zap.Error(err))
		}
		_ = conn.Fail(req.ID, errorString(err))
		return
	}

	_ = conn.Success(req.ID, map[string]any{
		"downloadId":     session.ID,
		"fileName":       session.Filename,
		"size":           session.Size(),
		"chunks":         session.ChunkCount(),
		"maxMessageSize": m.opts.MaxMessageSize,
	})
}
