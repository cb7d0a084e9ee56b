package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNodeIdFromPublicKeyDeterministic(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	a := NodeIdFromPublicKey(id.SigningPublicKey)
	b := NodeIdFromPublicKey(id.SigningPublicKey)
	if a != b {
		t.Fatalf("NodeIdFromPublicKey not deterministic: %s != %s", a, b)
	}
	if a != id.NodeId() {
		t.Fatalf("Identity.NodeId() disagrees with NodeIdFromPublicKey")
	}
}

func TestNodeIdRoundTripsThroughHex(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	s := id.NodeId().String()
	parsed, err := ParseNodeId(s)
	if err != nil {
		t.Fatalf("ParseNodeId: %v", err)
	}
	if parsed != id.NodeId() {
		t.Fatalf("parsed node id %s != original %s", parsed, id.NodeId())
	}
}

func TestParseNodeIdRejectsBadInput(t *testing.T) {
	if _, err := ParseNodeId("not-hex"); err == nil {
		t.Fatal("expected error for non-hex input")
	}
	if _, err := ParseNodeId("abcd"); err == nil {
		t.Fatal("expected error for short input")
	}
}

func TestTwoIdentitiesHaveDifferentNodeIds(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a.NodeId() == b.NodeId() {
		t.Fatal("two freshly generated identities collided")
	}
}

func TestSignAndVerify(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	msg := []byte("hello corelink")
	sig := id.Sign(msg)
	if !id.Verify(msg, sig) {
		t.Fatal("signature did not verify against its own identity")
	}
	if id.Verify([]byte("tampered"), sig) {
		t.Fatal("signature verified against tampered message")
	}
}

func TestSaveAndLoadFromFile(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "identity.json")

	if err := id.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected file mode 0600, got %o", info.Mode().Perm())
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.NodeId() != id.NodeId() {
		t.Fatalf("loaded identity has different node id: %s != %s", loaded.NodeId(), id.NodeId())
	}

	msg := []byte("round trip")
	sig := id.Sign(msg)
	if !loaded.Verify(msg, sig) {
		t.Fatal("loaded identity could not verify a signature from the original")
	}
}
