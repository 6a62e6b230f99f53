package hash

import (
	"strings"
	"testing"
)

func TestCalculateSHA256(t *testing.T) {
	d := NewDigester(SHA256)

	got, err := d.Calculate([]byte("hello"))
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("digest mismatch: got %s, want %s", got, want)
	}
}

func TestCalculateReaderMatchesCalculate(t *testing.T) {
	d := NewDigester(SHA256)
	data := []byte("scanned homework bytes")

	fromBytes, err := d.Calculate(data)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	fromReader, err := d.CalculateReader(strings.NewReader(string(data)))
	if err != nil {
		t.Fatalf("CalculateReader failed: %v", err)
	}

	if fromBytes != fromReader {
		t.Errorf("reader digest %s differs from byte digest %s", fromReader, fromBytes)
	}
}

func TestVerify(t *testing.T) {
	d := NewDigester(SHA256)
	data := []byte("content")

	digest, err := d.Calculate(data)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	ok, err := d.Verify(data, digest)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Error("expected digest to verify")
	}

	ok, err = d.Verify([]byte("other content"), digest)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if ok {
		t.Error("expected mismatched content to fail verification")
	}
}

func TestUnsupportedAlgorithm(t *testing.T) {
	d := NewDigester(Algorithm("crc32"))

	if _, err := d.Calculate([]byte("data")); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
}
