package transfer

import (
	"time"

	"github.com/distributed-systems-labs/corelink/pkg/chunkfile"
	"github.com/distributed-systems-labs/corelink/pkg/identity"
)

// ActiveUpload tracks a file this node is offering: its metadata and the
// path it was offered from, the fallback read source when the uploads/
// copy is missing.
type ActiveUpload struct {
	Metadata   chunkfile.FileMetadata
	SourcePath string
}

// ActiveDownload tracks an in-progress download: which chunks have arrived,
// which remain, and where the assembled file is being written.
type ActiveDownload struct {
	Metadata         chunkfile.FileMetadata
	downloadedChunks map[uint32]bool
	missingChunks    []uint32
	OutputPath       string
	Progress         float64
	StartedAt        int64
	Peers            []identity.NodeId
}

// NewActiveDownload begins tracking a download of metadata to outputPath.
func NewActiveDownload(metadata chunkfile.FileMetadata, outputPath string) *ActiveDownload {
	missing := make([]uint32, metadata.TotalChunks)
	for i := range missing {
		missing[i] = uint32(i)
	}
	return &ActiveDownload{
		Metadata:         metadata,
		downloadedChunks: make(map[uint32]bool, metadata.TotalChunks),
		missingChunks:    missing,
		OutputPath:       outputPath,
		StartedAt:        time.Now().Unix(),
	}
}

// MarkChunkDownloaded records chunkIndex as received and recomputes progress.
func (d *ActiveDownload) MarkChunkDownloaded(chunkIndex uint32) {
	if d.downloadedChunks[chunkIndex] {
		return
	}
	d.downloadedChunks[chunkIndex] = true

	filtered := d.missingChunks[:0]
	for _, idx := range d.missingChunks {
		if idx != chunkIndex {
			filtered = append(filtered, idx)
		}
	}
	d.missingChunks = filtered

	d.Progress = float64(len(d.downloadedChunks)) / float64(d.Metadata.TotalChunks)
}

// IsComplete reports whether every chunk has been downloaded.
func (d *ActiveDownload) IsComplete() bool {
	return uint32(len(d.downloadedChunks)) == d.Metadata.TotalChunks
}

// AddPeer records peer as a source for this download, if not already known.
func (d *ActiveDownload) AddPeer(peer identity.NodeId) {
	for _, p := range d.Peers {
		if p == peer {
			return
		}
	}
	d.Peers = append(d.Peers, peer)
}

// MissingChunks returns the chunk indices not yet downloaded, in the
// order they were queued (ascending at creation, preserved as entries are
// removed).
func (d *ActiveDownload) MissingChunks() []uint32 {
	out := make([]uint32, len(d.missingChunks))
	copy(out, d.missingChunks)
	return out
}

// TransferStatusKind distinguishes the outcomes of HandleChunkReceived.
type TransferStatusKind int

const (
	StatusChunkReceived TransferStatusKind = iota
	StatusTransferComplete
	StatusVerificationFailed
)

// TransferStatus is the result of delivering one chunk to a Manager.
type TransferStatus struct {
	Kind       TransferStatusKind
	Progress   float64
	ChunkIndex uint32
}
