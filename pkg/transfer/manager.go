// Package transfer implements the Transfer Manager: the component that
// turns file metadata and chunks into on-disk uploads and downloads,
// backed by a bounded chunk cache.
package transfer

import (
	"io"
	"os"
	"path/filepath"

	"github.com/distributed-systems-labs/corelink/pkg/chunkfile"
	"github.com/distributed-systems-labs/corelink/pkg/identity"
)

// Manager owns the storage layout and in-memory state for every file this
// node is uploading or downloading. Manager takes no lock of its own and
// assumes a single caller: in CoreLink that caller is the node event loop,
// which serializes every Manager call alongside Behavior dispatch.
type Manager struct {
	config Config

	activeUploads   map[string]ActiveUpload
	activeDownloads map[string]*ActiveDownload
	cache           *ChunkCache
}

// NewManager creates the uploads/downloads/complete directories under
// cfg.StoragePath and returns a ready Manager.
func NewManager(cfg Config) (*Manager, error) {
	for _, sub := range []string{"uploads", "downloads", "complete"} {
		if err := os.MkdirAll(filepath.Join(cfg.StoragePath, sub), 0755); err != nil {
			return nil, chunkfile.Iof(err, "create %s directory", sub)
		}
	}

	cache, err := NewChunkCache(cfg.CacheCapacity)
	if err != nil {
		return nil, chunkfile.Iof(err, "create chunk cache")
	}

	return &Manager{
		config:          cfg,
		activeUploads:   make(map[string]ActiveUpload),
		activeDownloads: make(map[string]*ActiveDownload),
		cache:           cache,
	}, nil
}

func (m *Manager) uploadsDir() string   { return filepath.Join(m.config.StoragePath, "uploads") }
func (m *Manager) downloadsDir() string { return filepath.Join(m.config.StoragePath, "downloads") }
func (m *Manager) completeDir() string  { return filepath.Join(m.config.StoragePath, "complete") }

// OfferFile splits path into chunks, caches them, copies the file into the
// uploads directory, and registers it as an active upload.
func (m *Manager) OfferFile(path string) (chunkfile.FileMetadata, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return chunkfile.FileMetadata{}, chunkfile.NotFoundf("file %q does not exist", path)
		}
		return chunkfile.FileMetadata{}, chunkfile.Iof(err, "stat %q", path)
	}

	metadata, chunks, err := chunkfile.Split(path, m.config.ChunkSize)
	if err != nil {
		return chunkfile.FileMetadata{}, err
	}

	for _, chunk := range chunks {
		m.cache.Put(metadata.FileID, chunk.ChunkIndex, chunk.Data)
	}

	uploadPath := filepath.Join(m.uploadsDir(), metadata.Name)
	if err := copyFile(path, uploadPath); err != nil {
		// The original file still serves chunk requests via the cache and
		// the source path below, so a copy failure is not fatal.
		_ = err
	}

	m.activeUploads[metadata.FileID] = ActiveUpload{Metadata: *metadata, SourcePath: path}
	return *metadata, nil
}

// RequestFile begins tracking a download of metadata from peer, writing to
// outputPath, pre-allocating the file to its final size.
func (m *Manager) RequestFile(metadata chunkfile.FileMetadata, outputPath string, peer identity.NodeId) (string, error) {
	if _, exists := m.activeDownloads[metadata.FileID]; exists {
		return "", chunkfile.AlreadyExistsf("already downloading file %q", metadata.FileID)
	}

	download := NewActiveDownload(metadata, outputPath)
	download.AddPeer(peer)

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return "", chunkfile.Iof(err, "create download directory")
	}
	if f, err := os.Create(outputPath); err == nil {
		_ = f.Truncate(int64(metadata.Size))
		_ = f.Close()
	}

	m.activeDownloads[metadata.FileID] = download
	return metadata.FileID, nil
}

// HandleChunkRequest returns the requested chunk if this node is offering
// the file and the index is valid, or (nil, nil) if not. An unknown file
// or out-of-range index is not itself an error, mirroring a peer silently
// having nothing to offer.
func (m *Manager) HandleChunkRequest(fileID string, chunkIndex uint32) (*chunkfile.FileChunk, error) {
	upload, ok := m.activeUploads[fileID]
	if !ok {
		return nil, nil
	}
	metadata := upload.Metadata
	if chunkIndex >= metadata.TotalChunks {
		return nil, nil
	}

	if data, ok := m.cache.Get(fileID, chunkIndex); ok {
		chunk := chunkfile.NewFileChunk(fileID, chunkIndex, data)
		return &chunk, nil
	}

	// The uploads/ copy is best-effort; fall back to the offered path.
	filePath := filepath.Join(m.uploadsDir(), metadata.Name)
	if _, err := os.Stat(filePath); err != nil {
		filePath = upload.SourcePath
	}

	offset := int64(chunkIndex) * int64(metadata.ChunkSize)
	size := int64(metadata.ChunkSize)
	if chunkIndex == metadata.TotalChunks-1 {
		size = int64(metadata.Size) - offset
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, chunkfile.Iof(err, "open %q", filePath)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, chunkfile.Iof(err, "seek to offset %d", offset)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, chunkfile.Iof(err, "read chunk %d", chunkIndex)
	}

	chunk := chunkfile.NewFileChunk(fileID, chunkIndex, buf)
	m.cache.Put(fileID, chunkIndex, buf)
	return &chunk, nil
}

// HandleChunkReceived verifies chunk, writes it into its download's output
// file, and updates progress, moving the file into complete/ once every
// chunk has arrived.
func (m *Manager) HandleChunkReceived(chunk chunkfile.FileChunk) (TransferStatus, error) {
	download, ok := m.activeDownloads[chunk.FileID]
	if !ok {
		return TransferStatus{}, chunkfile.NotFoundf("no active download for file %q", chunk.FileID)
	}

	if !chunkfile.VerifyChunk(chunk) {
		return TransferStatus{Kind: StatusVerificationFailed, ChunkIndex: chunk.ChunkIndex}, nil
	}

	if err := chunkfile.WriteChunkToFile(chunk, &download.Metadata, download.OutputPath); err != nil {
		return TransferStatus{}, err
	}

	download.MarkChunkDownloaded(chunk.ChunkIndex)
	progress := download.Progress

	if download.IsComplete() {
		finalPath := filepath.Join(m.completeDir(), download.Metadata.Name)
		_ = os.Rename(download.OutputPath, finalPath)
		delete(m.activeDownloads, chunk.FileID)
		return TransferStatus{Kind: StatusTransferComplete, Progress: 1.0}, nil
	}

	return TransferStatus{Kind: StatusChunkReceived, Progress: progress, ChunkIndex: chunk.ChunkIndex}, nil
}

// GetNextChunksToRequest returns up to batchSize missing chunk indices for
// fileID, or nil if there is no such active download.
func (m *Manager) GetNextChunksToRequest(fileID string, batchSize int) []uint32 {
	download, ok := m.activeDownloads[fileID]
	if !ok {
		return nil
	}

	missing := download.MissingChunks()
	if len(missing) > batchSize {
		missing = missing[:batchSize]
	}
	return missing
}

// CancelDownload abandons an in-progress download and removes its partial
// output file.
func (m *Manager) CancelDownload(fileID string) error {
	download, ok := m.activeDownloads[fileID]
	if !ok {
		return chunkfile.NotFoundf("no active download for file %q", fileID)
	}
	delete(m.activeDownloads, fileID)

	if _, err := os.Stat(download.OutputPath); err == nil {
		if err := os.Remove(download.OutputPath); err != nil {
			return chunkfile.Iof(err, "remove partial download %q", download.OutputPath)
		}
	}
	return nil
}

// ActiveDownloadsCount reports the number of downloads currently tracked.
func (m *Manager) ActiveDownloadsCount() int {
	return len(m.activeDownloads)
}

// ActiveUploadsCount reports the number of files currently offered.
func (m *Manager) ActiveUploadsCount() int {
	return len(m.activeUploads)
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
