// Package main implements the CoreLink daemon and its companion CLI.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/distributed-systems-labs/corelink/pkg/behavior"
	"github.com/distributed-systems-labs/corelink/pkg/control"
	"github.com/distributed-systems-labs/corelink/pkg/identity"
	"github.com/distributed-systems-labs/corelink/pkg/node"
	"github.com/distributed-systems-labs/corelink/pkg/transport"
	"github.com/distributed-systems-labs/corelink/pkg/transport/quicx"
	"github.com/distributed-systems-labs/corelink/pkg/wire"
)

// Build-time variables set by ldflags
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	case "identity":
		err = runIdentity(os.Args[2:])
	case "start":
		err = runStart(os.Args[2:])
	case "call":
		err = runCall(os.Args[2:])
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runIdentity(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: corelinkd identity <generate|show> <file>")
	}

	switch args[0] {
	case "generate":
		id, err := identity.Generate()
		if err != nil {
			return err
		}
		if err := id.SaveToFile(args[1]); err != nil {
			return err
		}
		fmt.Printf("Node ID: %s\n", id.NodeId())
		fmt.Printf("Noise key: %s\n", hex.EncodeToString(id.KeyAgreementPublicKey[:]))
		return nil
	case "show":
		id, err := identity.LoadFromFile(args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Node ID: %s\n", id.NodeId())
		fmt.Printf("Noise key: %s\n", hex.EncodeToString(id.KeyAgreementPublicKey[:]))
		return nil
	default:
		return fmt.Errorf("usage: corelinkd identity <generate|show> <file>")
	}
}

func runStart(args []string) error {
	flags := flag.NewFlagSet("start", flag.ExitOnError)
	identityFile := flags.String("identity", "corelink.id", "identity file (generated if missing)")
	storagePath := flags.String("storage", "corelink-data", "transfer storage root")
	listenAddr := flags.String("listen", "0.0.0.0:27501", "QUIC listen address")
	controlAddr := flags.String("control", "127.0.0.1:27502", "control API listen address")
	if err := flags.Parse(args); err != nil {
		return err
	}

	id, err := identity.LoadFromFile(*identityFile)
	if err != nil {
		id, err = identity.Generate()
		if err != nil {
			return err
		}
		if err := id.SaveToFile(*identityFile); err != nil {
			return err
		}
		fmt.Printf("Generated new identity in %s\n", *identityFile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tlsConfig, err := selfSignedTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quicx.Listen(ctx, *listenAddr, tlsConfig, nil)
	if err != nil {
		return err
	}

	n, err := node.New(id, node.Config{
		StoragePath:     *storagePath,
		Dialer:          quicx.NewDialer(tlsConfig, nil),
		Listener:        listener,
		Capabilities:    []string{wire.ProtocolID},
		ProtocolVersion: version,
	})
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("CoreLink node started\n")
	fmt.Printf("Node ID: %s\n", n.NodeId())
	fmt.Printf("Noise key: %s\n", hex.EncodeToString(id.KeyAgreementPublicKey[:]))
	fmt.Printf("Listening: %s\n", listener.Addr())

	controlLn, err := net.Listen("tcp", *controlAddr)
	if err != nil {
		return err
	}
	go control.NewServer(n, *storagePath).Serve(ctx, controlLn)
	fmt.Printf("Control API: %s\n", controlLn.Addr())

	go printEvents(n.Events())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Printf("Shutting down\n")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	controlLn.Close()
	return n.Stop(stopCtx)
}

func printEvents(events <-chan behavior.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case behavior.FileOffered:
			fmt.Printf("[offer] %s offers %q (%d bytes, id %s)\n", e.Peer, e.Metadata.Name, e.Metadata.Size, e.Metadata.FileID)
		case behavior.ChunkReceived:
			fmt.Printf("[chunk] %s: %.1f%%\n", e.FileID, e.Progress*100)
		case behavior.TransferComplete:
			fmt.Printf("[done] %s from %s\n", e.FileID, e.Peer)
		case behavior.TransferFailed:
			fmt.Printf("[failed] %s: %s\n", e.FileID, e.Reason)
		case behavior.SendFailed:
			fmt.Printf("[send-failed] to %s: %s\n", e.Peer, e.Reason)
		case behavior.MessageReceived:
			fmt.Printf("[msg] from %s\n", e.From)
		}
	}
}

// runCall is a thin control-API client: corelinkd call <addr> <method> [json-params]
func runCall(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: corelinkd call <control-addr> <method> [json-params]")
	}

	params := map[string]interface{}{}
	if len(args) > 2 {
		if err := json.Unmarshal([]byte(args[2]), &params); err != nil {
			return fmt.Errorf("invalid params: %w", err)
		}
	}

	conn, err := net.DialTimeout("tcp", args[0], 10*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := control.Request{Method: args[1], ID: "cli", Params: params}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return err
	}
	var resp control.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}

	out, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// selfSignedTLSConfig builds an ephemeral certificate for the QUIC layer.
// Transport TLS only provides confidentiality here; peer authentication is
// the Noise handshake against NodeIds.
func selfSignedTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{Organization: []string{"CoreLink"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		}},
		NextProtos:         transport.DefaultConfig().ALPNProtocols,
		InsecureSkipVerify: true,
	}, nil
}

func printVersion() {
	fmt.Printf("CoreLink %s\n", version)
	fmt.Printf("Built: %s\n", buildTime)
}

func printUsage() {
	fmt.Printf(`CoreLink v%s - authenticated chunked file transfer for local meshes

Usage:
  corelinkd <command> [options]

Commands:
  identity  Generate or inspect a node identity file
  start     Start a CoreLink node (QUIC transport + control API)
  call      Send one control API request to a running node
  version   Show version information
  help      Show this help message

Examples:
  corelinkd identity generate corelink.id
  corelinkd start --identity corelink.id --storage ./data --listen 0.0.0.0:27501
  corelinkd call 127.0.0.1:27502 connect '{"addr":"192.168.1.20:27501","noise_key":"<hex>"}'
  corelinkd call 127.0.0.1:27502 offer_file '{"path":"./dataset.bin"}'
  corelinkd call 127.0.0.1:27502 peers

`, version)
}
