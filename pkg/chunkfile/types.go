// Package chunkfile splits files into fixed-size, content-verified chunks
// and reassembles them, the CoreLink Chunker/Verifier component.
package chunkfile

import (
	"time"

	"github.com/google/uuid"
)

// DefaultChunkSize is the chunk size used when a caller does not specify
// one: 64 KiB.
const DefaultChunkSize uint32 = 64 * 1024

// ChunkHash is a SHA-256 digest of one chunk's bytes.
type ChunkHash [32]byte

// FileMetadata describes a file offered for transfer: its chunk layout and
// the per-chunk hashes a receiver verifies against.
type FileMetadata struct {
	FileID      string      `json:"file_id"`
	Name        string      `json:"name"`
	Size        uint64      `json:"size"`
	ChunkSize   uint32      `json:"chunk_size"`
	TotalChunks uint32      `json:"total_chunks"`
	ChunkHashes []ChunkHash `json:"chunk_hashes"`
	MimeType    string      `json:"mime_type,omitempty"`
	CreatedAt   int64       `json:"created_at"`
}

// NewFileMetadata builds metadata for a file whose chunk hashes have
// already been computed, assigning a fresh file id.
func NewFileMetadata(name string, size uint64, chunkSize uint32, hashes []ChunkHash) *FileMetadata {
	return &FileMetadata{
		FileID:      uuid.NewString(),
		Name:        name,
		Size:        size,
		ChunkSize:   chunkSize,
		TotalChunks: uint32(len(hashes)),
		ChunkHashes: hashes,
		CreatedAt:   time.Now().Unix(),
	}
}

// FileChunk is one piece of a file in flight, with its verified hash.
type FileChunk struct {
	FileID     string    `json:"file_id"`
	ChunkIndex uint32    `json:"chunk_index"`
	Data       []byte    `json:"data"`
	Hash       ChunkHash `json:"hash"`
}

// NewFileChunk builds a chunk and computes its hash from its data.
func NewFileChunk(fileID string, chunkIndex uint32, data []byte) FileChunk {
	return FileChunk{
		FileID:     fileID,
		ChunkIndex: chunkIndex,
		Data:       data,
		Hash:       CalculateChunkHash(data),
	}
}
