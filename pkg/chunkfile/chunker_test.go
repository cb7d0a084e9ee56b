package chunkfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestCalculateChunkHashIsDeterministic(t *testing.T) {
	data := []byte("Hello, World!")
	h1 := CalculateChunkHash(data)
	h2 := CalculateChunkHash(data)
	if h1 != h2 {
		t.Fatal("hash of identical data differed between calls")
	}

	h3 := CalculateChunkHash([]byte("Hello, World!!"))
	if h1 == h3 {
		t.Fatal("hash of different data collided")
	}
}

func TestVerifyChunkDetectsTampering(t *testing.T) {
	chunk := NewFileChunk("test-id", 0, []byte("Test data"))
	if !VerifyChunk(chunk) {
		t.Fatal("freshly built chunk failed to verify")
	}

	chunk.Data = append(chunk.Data, 0)
	if VerifyChunk(chunk) {
		t.Fatal("tampered chunk verified successfully")
	}
}

func TestSplitAndAssembleRoundTrip(t *testing.T) {
	testData := []byte("This is test data that will be split into chunks and reassembled.")

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "input.txt")
	if err := os.WriteFile(srcPath, testData, 0644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	metadata, chunks, err := Split(srcPath, 10)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if uint32(len(chunks)) != metadata.TotalChunks {
		t.Fatalf("chunk count %d != TotalChunks %d", len(chunks), metadata.TotalChunks)
	}
	if got, want := int(metadata.TotalChunks), 7; got != want {
		t.Fatalf("expected 7 chunks for 65 bytes at chunk size 10, got %d", got)
	}

	for _, c := range chunks {
		if !VerifyChunk(c) {
			t.Fatalf("chunk %d failed self-verification", c.ChunkIndex)
		}
	}

	outPath := filepath.Join(dir, "output.txt")
	if err := Assemble(chunks, metadata, outPath); err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	outData, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(outData, testData) {
		t.Fatalf("assembled output does not match input:\n got: %q\nwant: %q", outData, testData)
	}
}

func TestSplitDataRoundTripAcrossChunkBoundaries(t *testing.T) {
	data := make([]byte, 200_000)
	for i := range data {
		data[i] = byte(i % 256)
	}

	metadata, chunks, err := SplitData("blob.bin", data, DefaultChunkSize)
	if err != nil {
		t.Fatalf("SplitData: %v", err)
	}

	out := bytes.Buffer{}
	for _, c := range chunks {
		out.Write(c.Data)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Fatal("reassembled in-memory data does not match original")
	}
	if metadata.Size != uint64(len(data)) {
		t.Fatalf("metadata.Size = %d, want %d", metadata.Size, len(data))
	}
}

func TestAssembleRejectsCorruptedChunk(t *testing.T) {
	metadata, chunks, err := SplitData("f.bin", []byte("0123456789abcdef"), 4)
	if err != nil {
		t.Fatalf("SplitData: %v", err)
	}

	chunks[1].Data = []byte("XXXX")

	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.bin")
	if err := Assemble(chunks, metadata, outPath); err == nil {
		t.Fatal("expected Assemble to reject a tampered chunk")
	} else if !IsInvalidData(err) {
		t.Fatalf("expected InvalidData error, got %v", err)
	}

	if _, err := os.Stat(outPath); err == nil {
		t.Fatal("Assemble must not write output when verification fails")
	}
}

func TestWriteChunkToFileWritesAtCorrectOffset(t *testing.T) {
	metadata, chunks, err := SplitData("f.bin", []byte("0123456789abcdef"), 4)
	if err != nil {
		t.Fatalf("SplitData: %v", err)
	}

	dir := t.TempDir()
	outPath := filepath.Join(dir, "incremental.bin")

	// Write out of order: chunk 2 before chunk 0.
	if err := WriteChunkToFile(chunks[2], metadata, outPath); err != nil {
		t.Fatalf("WriteChunkToFile(2): %v", err)
	}
	if err := WriteChunkToFile(chunks[0], metadata, outPath); err != nil {
		t.Fatalf("WriteChunkToFile(0): %v", err)
	}
	for _, c := range chunks[1:2] {
		if err := WriteChunkToFile(c, metadata, outPath); err != nil {
			t.Fatalf("WriteChunkToFile(%d): %v", c.ChunkIndex, err)
		}
	}
	for _, c := range chunks[3:] {
		if err := WriteChunkToFile(c, metadata, outPath); err != nil {
			t.Fatalf("WriteChunkToFile(%d): %v", c.ChunkIndex, err)
		}
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "0123456789abcdef" {
		t.Fatalf("got %q, want original data", got)
	}
}

func TestWriteChunkToFileRejectsBadHash(t *testing.T) {
	metadata, chunks, err := SplitData("f.bin", []byte("0123456789abcdef"), 4)
	if err != nil {
		t.Fatalf("SplitData: %v", err)
	}

	bad := chunks[0]
	bad.Data = []byte("XXXX")

	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.bin")
	err = WriteChunkToFile(bad, metadata, outPath)
	if err == nil || !IsInvalidData(err) {
		t.Fatalf("expected InvalidData error, got %v", err)
	}
}
