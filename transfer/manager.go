// Package transfer brokers large binary payloads in and out of per-owner
// file storage without exceeding the single-frame size limit, and reclaims
// storage for uploads that are never completed.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/SanPilot/elf-backend/metrics"
	"github.com/SanPilot/elf-backend/storage"
)

var (
	// ErrNoUpload indicates a reference to an upload session that does not
	// exist, was finalized, or was invalidated.
	ErrNoUpload = errors.New("transfer: no upload selected")
	// ErrNoDownload indicates a reference to a download session that does
	// not exist or has expired.
	ErrNoDownload = errors.New("transfer: no download selected")
	// ErrFileTooLarge indicates ingested bytes exceeded the declared size.
	ErrFileTooLarge = errors.New("transfer: file too large")
	// ErrIncorrectSize indicates the on-disk size does not match the
	// declared size at finalize.
	ErrIncorrectSize = errors.New("transfer: size mismatch")
	// ErrFileNotFound indicates a download target with no durable record.
	ErrFileNotFound = errors.New("transfer: file does not exist")
	// ErrBadChunkIndex indicates a chunk request outside the valid range.
	ErrBadChunkIndex = errors.New("transfer: chunk index out of range")
	// ErrInvalidRequest indicates missing or out-of-range creation
	// parameters.
	ErrInvalidRequest = errors.New("transfer: invalid request")
	// ErrNotOwner indicates a caller operating on another owner's file.
	ErrNotOwner = errors.New("transfer: caller does not own file")
)

// MetadataStore is the durable-storage collaborator committing finalized
// uploads, resolving download targets, and queuing owner notifications.
type MetadataStore interface {
	InsertFile(file storage.FileRecord) error
	FindFile(fileID string) (*storage.FileRecord, error)
	ListFilesByOwner(owner string) ([]storage.FileRecord, error)
	DeleteFile(fileID string) error
	AppendNotification(user, content string) error
}

// EventSink receives a broadcast event id when an upload commits.
type EventSink interface {
	Emit(eid string) int
}

// Identity resolves bearer tokens to owners.
type Identity interface {
	VerifyToken(token string) bool
	Owner(token string) (string, error)
}

// Options configures a Manager.
type Options struct {
	Logger   *zap.Logger
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Store    MetadataStore
	Identity Identity
	// Events, when set, is notified with "fileUploaded" on every commit.
	Events EventSink

	// StorageDir is the root of per-owner upload storage.
	StorageDir string
	// MaxMessageSize bounds one chunk and drives download slicing.
	MaxMessageSize int
	// MaxUploadSize bounds a declared upload size.
	MaxUploadSize int64
	// DownloadTTL is the lifetime of a download handle.
	DownloadTTL time.Duration
	// MaxUploadTime is the idle age after which an uncommitted upload file
	// is considered abandoned.
	MaxUploadTime time.Duration
	// SweepInterval is the period of the abandoned-file sweep.
	SweepInterval time.Duration
	// DeleteOnSizeMismatch eagerly unlinks the backing file when an upload
	// is invalidated for a size violation, instead of leaving it for the
	// sweep.
	DeleteOnSizeMismatch bool
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 20
	}
	if o.MaxUploadSize <= 0 {
		o.MaxUploadSize = 4294967295
	}
	if o.DownloadTTL <= 0 {
		o.DownloadTTL = 10 * time.Minute
	}
	if o.MaxUploadTime <= 0 {
		o.MaxUploadTime = time.Hour
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	return o
}

// Manager owns the live upload and download session tables.
type Manager struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	uploads   map[string]*UploadSession
	downloads map[string]*DownloadSession
}

// NewManager builds a transfer session manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("transfer: metadata store is required")
	}
	if opts.Identity == nil {
		return nil, errors.New("transfer: identity collaborator is required")
	}
	if opts.StorageDir == "" {
		return nil, errors.New("transfer: storage directory is required")
	}
	opts = opts.withDefaults()

	return &Manager{
		opts:      opts,
		log:       opts.Logger.Named("transfer"),
		uploads:   make(map[string]*UploadSession),
		downloads: make(map[string]*DownloadSession),
	}, nil
}

// MaxMessageSize returns the largest single chunk clients must respect.
func (m *Manager) MaxMessageSize() int {
	return m.opts.MaxMessageSize
}

// CreateUpload validates the declared metadata, creates the zero-length
// backing file, and registers a new upload session.
func (m *Manager) CreateUpload(owner, name string, size int64, mimetype string) (*UploadSession, error) {
	if owner == "" || name == "" {
		return nil, ErrInvalidRequest
	}
	if size <= 0 || size > m.opts.MaxUploadSize {
		return nil, ErrInvalidRequest
	}

	now := m.opts.Clock.Now()
	session := &UploadSession{
		ID:           sessionID(name, owner, now),
		Owner:        owner,
		Filename:     name,
		Mimetype:     mimetype,
		DeclaredSize: size,
		CreatedAt:    now,
	}
	session.FilePath = filepath.Join(m.opts.StorageDir, sanitizeOwner(owner), session.ID)

	if err := os.MkdirAll(filepath.Dir(session.FilePath), 0o700); err != nil {
		return nil, fmt.Errorf("create owner directory: %w", err)
	}
	file, err := os.OpenFile(session.FilePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create backing file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("close backing file: %w", err)
	}

	m.mu.Lock()
	m.uploads[session.ID] = session
	m.mu.Unlock()
	m.opts.Metrics.UploadsActive.Inc()

	m.log.Info("upload session created",
		zap.String("session_id", session.ID),
		zap.String("owner", owner),
		zap.Int64("declared_size", size))
	return session, nil
}

// IngestChunk appends one chunk to an upload's backing file and enforces the
// declared size. A violation invalidates the session immediately.
func (m *Manager) IngestChunk(sessionID string, chunk []byte) error {
	m.mu.Lock()
	session, ok := m.uploads[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrNoUpload
	}

	file, err := os.OpenFile(session.FilePath, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open backing file: %w", err)
	}
	_, writeErr := file.Write(chunk)
	closeErr := file.Close()
	if writeErr != nil {
		return fmt.Errorf("append chunk: %w", writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close backing file: %w", closeErr)
	}

	info, err := os.Stat(session.FilePath)
	if err != nil {
		return fmt.Errorf("stat backing file: %w", err)
	}

	m.mu.Lock()
	if _, still := m.uploads[sessionID]; !still {
		m.mu.Unlock()
		return ErrNoUpload
	}
	session.BytesWritten = info.Size()
	if info.Size() > session.DeclaredSize {
		delete(m.uploads, sessionID)
		m.mu.Unlock()
		m.opts.Metrics.UploadsActive.Dec()
		m.invalidateFile(session)
		m.log.Warn("upload exceeded declared size",
			zap.String("session_id", sessionID),
			zap.Int64("declared_size", session.DeclaredSize),
			zap.Int64("on_disk", info.Size()))
		return ErrFileTooLarge
	}
	m.mu.Unlock()

	m.opts.Metrics.BytesIngested.Add(float64(len(chunk)))
	return nil
}

// IngestStream copies a whole request body into an upload's backing file
// with streaming size enforcement. It is the companion-endpoint ingest path.
func (m *Manager) IngestStream(sessionID string, body io.Reader) (int64, error) {
	m.mu.Lock()
	session, ok := m.uploads[sessionID]
	var bytesWritten int64
	if ok {
		bytesWritten = session.BytesWritten
	}
	m.mu.Unlock()
	if !ok {
		return 0, ErrNoUpload
	}

	file, err := os.OpenFile(session.FilePath, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open backing file: %w", err)
	}

	// Allow one extra byte so an oversized body is detected rather than
	// silently truncated.
	remaining := session.DeclaredSize - bytesWritten + 1
	written, copyErr := io.Copy(file, io.LimitReader(body, remaining))
	closeErr := file.Close()
	if copyErr != nil {
		return written, fmt.Errorf("stream body: %w", copyErr)
	}
	if closeErr != nil {
		return written, fmt.Errorf("close backing file: %w", closeErr)
	}

	info, err := os.Stat(session.FilePath)
	if err != nil {
		return written, fmt.Errorf("stat backing file: %w", err)
	}

	m.mu.Lock()
	if _, still := m.uploads[sessionID]; !still {
		m.mu.Unlock()
		return written, ErrNoUpload
	}
	session.BytesWritten = info.Size()
	if info.Size() > session.DeclaredSize {
		delete(m.uploads, sessionID)
		m.mu.Unlock()
		m.opts.Metrics.UploadsActive.Dec()
		m.invalidateFile(session)
		return written, ErrFileTooLarge
	}
	m.mu.Unlock()

	m.opts.Metrics.BytesIngested.Add(float64(written))
	return written, nil
}

// FinalizeUpload removes the session from the live table, verifies the
// on-disk size, and commits the metadata durably. The table removal happens
// before the durable write, so a duplicate finalize cannot double-commit.
func (m *Manager) FinalizeUpload(sessionID string) (*storage.FileRecord, error) {
	m.mu.Lock()
	session, ok := m.uploads[sessionID]
	if ok {
		delete(m.uploads, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrNoUpload
	}
	m.opts.Metrics.UploadsActive.Dec()

	info, err := os.Stat(session.FilePath)
	if err != nil {
		return nil, fmt.Errorf("stat backing file: %w", err)
	}
	if info.Size() != session.DeclaredSize {
		m.invalidateFile(session)
		m.log.Warn("finalize size mismatch",
			zap.String("session_id", sessionID),
			zap.Int64("declared_size", session.DeclaredSize),
			zap.Int64("on_disk", info.Size()))
		return nil, ErrIncorrectSize
	}

	record := storage.FileRecord{
		FileID:    session.ID,
		Filename:  session.Filename,
		Owner:     session.Owner,
		Filesize:  session.DeclaredSize,
		Mimetype:  session.Mimetype,
		CreatedAt: session.CreatedAt.Unix(),
	}
	if err := m.opts.Store.InsertFile(record); err != nil {
		return nil, fmt.Errorf("commit file metadata: %w", err)
	}

	if err := m.opts.Store.AppendNotification(record.Owner,
		fmt.Sprintf("File %q was uploaded", record.Filename)); err != nil {
		m.log.Warn("queue upload notification",
			zap.String("file_id", record.FileID),
			zap.Error(err))
	}
	if m.opts.Events != nil {
		m.opts.Events.Emit("fileUploaded")
	}

	m.log.Info("upload finalized",
		zap.String("file_id", record.FileID),
		zap.String("owner", record.Owner),
		zap.Int64("size", record.Filesize))
	return &record, nil
}

// CreateDownload resolves a committed file, reads and slices its payload,
// and registers a time-limited download session.
func (m *Manager) CreateDownload(owner, fileID string) (*DownloadSession, error) {
	if owner == "" || fileID == "" {
		return nil, ErrInvalidRequest
	}

	record, err := m.opts.Store.FindFile(fileID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("resolve file %q: %w", fileID, err)
	}

	path := filepath.Join(m.opts.StorageDir, sanitizeOwner(record.Owner), record.FileID)
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("read file %q: %w", fileID, err)
	}

	session := &DownloadSession{
		ID:       sessionID(record.Filename, owner, m.opts.Clock.Now()),
		Owner:    owner,
		FileID:   record.FileID,
		Filename: record.Filename,
		Mimetype: record.Mimetype,
		size:     int64(len(payload)),
		chunks:   sliceChunks(payload, m.opts.MaxMessageSize),
	}

	// Expiry removes only the in-memory handle, never the stored file.
	session.expiry = m.opts.Clock.AfterFunc(m.opts.DownloadTTL, func() {
		m.expireDownload(session.ID)
	})

	m.mu.Lock()
	m.downloads[session.ID] = session
	m.mu.Unlock()
	m.opts.Metrics.DownloadsActive.Inc()

	m.log.Info("download session created",
		zap.String("session_id", session.ID),
		zap.String("file_id", record.FileID),
		zap.String("owner", owner),
		zap.Int("chunks", session.ChunkCount()))
	return session, nil
}

// ListFiles returns the committed files of one owner, newest first.
func (m *Manager) ListFiles(owner string) ([]storage.FileRecord, error) {
	if owner == "" {
		return nil, ErrInvalidRequest
	}
	files, err := m.opts.Store.ListFilesByOwner(owner)
	if err != nil {
		return nil, fmt.Errorf("list files for %q: %w", owner, err)
	}
	return files, nil
}

// DeleteFile removes a committed file's metadata and backing bytes. Only
// the file's owner may delete it.
func (m *Manager) DeleteFile(owner, fileID string) error {
	if owner == "" || fileID == "" {
		return ErrInvalidRequest
	}

	record, err := m.opts.Store.FindFile(fileID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrFileNotFound
		}
		return fmt.Errorf("resolve file %q: %w", fileID, err)
	}
	if record.Owner != owner {
		return ErrNotOwner
	}

	if err := m.opts.Store.DeleteFile(fileID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete file record %q: %w", fileID, err)
	}

	path := filepath.Join(m.opts.StorageDir, sanitizeOwner(record.Owner), record.FileID)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warn("remove deleted file bytes",
			zap.String("file_id", fileID),
			zap.Error(err))
	}

	m.log.Info("file deleted",
		zap.String("file_id", fileID),
		zap.String("owner", owner))
	return nil
}

// ServeChunk returns the piece of a download at index.
func (m *Manager) ServeChunk(sessionID string, index int) ([]byte, error) {
	m.mu.Lock()
	session, ok := m.downloads[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNoDownload
	}

	chunk, ok := session.Chunk(index)
	if !ok {
		return nil, ErrBadChunkIndex
	}
	m.opts.Metrics.BytesServed.Add(float64(len(chunk)))
	return chunk, nil
}

// UploadExists reports whether a live upload session has the given id.
func (m *Manager) UploadExists(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.uploads[sessionID]
	return ok
}

// Download returns a live download session by id.
func (m *Manager) Download(sessionID string) (*DownloadSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.downloads[sessionID]
	return session, ok
}

func (m *Manager) expireDownload(sessionID string) {
	m.mu.Lock()
	_, ok := m.downloads[sessionID]
	if ok {
		delete(m.downloads, sessionID)
	}
	m.mu.Unlock()
	if ok {
		m.opts.Metrics.DownloadsActive.Dec()
		m.log.Debug("download session expired", zap.String("session_id", sessionID))
	}
}

// invalidateFile disposes of a violated upload's backing file according to
// policy: eager unlink, or leave it for the sweep.
func (m *Manager) invalidateFile(session *UploadSession) {
	if !m.opts.DeleteOnSizeMismatch {
		return
	}
	if err := os.Remove(session.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warn("remove invalidated upload file",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}
}

// Close cancels pending download expiry timers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.downloads {
		if session.expiry != nil {
			session.expiry.Stop()
		}
	}
}
