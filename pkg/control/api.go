// Package control implements the CoreLink local control API: a
// line-oriented JSON request/response socket for driving a running node
// (offer a file, request a download, cancel it, broadcast discovery).
package control

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"

	"github.com/distributed-systems-labs/corelink/pkg/chunkfile"
	"github.com/distributed-systems-labs/corelink/pkg/identity"
	"github.com/distributed-systems-labs/corelink/pkg/node"
)

// Request represents a control API request.
type Request struct {
	Method string                 `json:"method"`
	ID     string                 `json:"id"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Response represents a control API response.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Server implements the control API server over a running node.
type Server struct {
	node        *node.Node
	storagePath string
}

// NewServer creates a control API server driving n. storagePath is used to
// derive default download output paths.
func NewServer(n *node.Node, storagePath string) *Server {
	return &Server{node: n, storagePath: storagePath}
}

// Serve accepts connections on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
					continue
				}
			}

			go s.handleConnection(ctx, conn)
		}
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			var request Request
			if err := decoder.Decode(&request); err != nil {
				return
			}

			response := s.handleRequest(request)

			if err := encoder.Encode(response); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleRequest(request Request) Response {
	switch request.Method {
	case "info":
		return s.handleInfo(request)
	case "peers":
		return s.handlePeers(request)
	case "offer_file":
		return s.handleOfferFile(request)
	case "request_file":
		return s.handleRequestFile(request)
	case "cancel_download":
		return s.handleCancelDownload(request)
	case "broadcast_discovery":
		return s.handleBroadcastDiscovery(request)
	case "connect":
		return s.handleConnect(request)
	default:
		return Response{
			ID:    request.ID,
			Error: fmt.Sprintf("unknown method: %s", request.Method),
		}
	}
}

func (s *Server) handleInfo(request Request) Response {
	return Response{
		ID: request.ID,
		Result: map[string]interface{}{
			"node_id": s.node.NodeId().String(),
			"state":   s.node.State().String(),
		},
	}
}

func (s *Server) handlePeers(request Request) Response {
	peers, err := s.node.ConnectedPeers()
	if err != nil {
		return Response{ID: request.ID, Error: err.Error()}
	}

	hexIDs := make([]string, len(peers))
	for i, p := range peers {
		hexIDs[i] = p.String()
	}
	return Response{
		ID:     request.ID,
		Result: map[string]interface{}{"peers": hexIDs},
	}
}

func (s *Server) handleOfferFile(request Request) Response {
	path, ok := request.Params["path"].(string)
	if !ok || path == "" {
		return Response{ID: request.ID, Error: "path parameter is required"}
	}

	metadata, err := s.node.OfferFile(path)
	if err != nil {
		return Response{ID: request.ID, Error: fmt.Sprintf("failed to offer file: %v", err)}
	}

	return Response{
		ID: request.ID,
		Result: map[string]interface{}{
			"file_id":      metadata.FileID,
			"name":         metadata.Name,
			"size":         metadata.Size,
			"total_chunks": metadata.TotalChunks,
		},
	}
}

func (s *Server) handleRequestFile(request Request) Response {
	peerHex, ok := request.Params["peer"].(string)
	if !ok || peerHex == "" {
		return Response{ID: request.ID, Error: "peer parameter is required"}
	}
	peer, err := identity.ParseNodeId(peerHex)
	if err != nil {
		return Response{ID: request.ID, Error: err.Error()}
	}

	rawMetadata, ok := request.Params["metadata"]
	if !ok {
		return Response{ID: request.ID, Error: "metadata parameter is required"}
	}
	encoded, err := json.Marshal(rawMetadata)
	if err != nil {
		return Response{ID: request.ID, Error: fmt.Sprintf("invalid metadata: %v", err)}
	}
	var metadata chunkfile.FileMetadata
	if err := json.Unmarshal(encoded, &metadata); err != nil {
		return Response{ID: request.ID, Error: fmt.Sprintf("invalid metadata: %v", err)}
	}

	outputPath, _ := request.Params["output_path"].(string)
	if outputPath == "" {
		outputPath = filepath.Join(s.storagePath, "downloads", metadata.Name)
	}

	fileID, err := s.node.RequestFile(metadata, outputPath, peer)
	if err != nil {
		return Response{ID: request.ID, Error: fmt.Sprintf("failed to request file: %v", err)}
	}

	return Response{
		ID: request.ID,
		Result: map[string]interface{}{
			"file_id":     fileID,
			"output_path": outputPath,
		},
	}
}

func (s *Server) handleCancelDownload(request Request) Response {
	fileID, ok := request.Params["file_id"].(string)
	if !ok || fileID == "" {
		return Response{ID: request.ID, Error: "file_id parameter is required"}
	}

	if err := s.node.CancelDownload(fileID); err != nil {
		return Response{ID: request.ID, Error: fmt.Sprintf("failed to cancel download: %v", err)}
	}

	return Response{
		ID:     request.ID,
		Result: map[string]interface{}{"cancelled": fileID},
	}
}

func (s *Server) handleConnect(request Request) Response {
	addr, ok := request.Params["addr"].(string)
	if !ok || addr == "" {
		return Response{ID: request.ID, Error: "addr parameter is required"}
	}
	noiseKeyHex, ok := request.Params["noise_key"].(string)
	if !ok || noiseKeyHex == "" {
		return Response{ID: request.ID, Error: "noise_key parameter is required"}
	}
	noiseKey, err := hex.DecodeString(noiseKeyHex)
	if err != nil {
		return Response{ID: request.ID, Error: fmt.Sprintf("invalid noise_key: %v", err)}
	}

	peer, err := s.node.Connect(context.Background(), addr, noiseKey)
	if err != nil {
		return Response{ID: request.ID, Error: fmt.Sprintf("failed to connect: %v", err)}
	}

	return Response{
		ID:     request.ID,
		Result: map[string]interface{}{"peer": peer.String()},
	}
}

func (s *Server) handleBroadcastDiscovery(request Request) Response {
	if err := s.node.BroadcastDiscovery(); err != nil {
		return Response{ID: request.ID, Error: err.Error()}
	}
	return Response{
		ID:     request.ID,
		Result: map[string]interface{}{"broadcast": true},
	}
}
