package hash

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

// Digester computes content digests used as dedup keys. The digest is taken
// over the raw downloaded bytes, before OCR or parsing ever runs.
type Digester interface {
	Calculate(data []byte) (string, error)
	CalculateReader(reader io.Reader) (string, error)
	Verify(data []byte, expectedDigest string) (bool, error)
	Algorithm() Algorithm
}

type contentDigester struct {
	algorithm Algorithm
}

func NewDigester(algorithm Algorithm) Digester {
	return &contentDigester{
		algorithm: algorithm,
	}
}

func (d *contentDigester) Calculate(data []byte) (string, error) {
	hasher, err := d.getHasher()
	if err != nil {
		return "", err
	}

	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (d *contentDigester) CalculateReader(reader io.Reader) (string, error) {
	hasher, err := d.getHasher()
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to read data: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (d *contentDigester) Verify(data []byte, expectedDigest string) (bool, error) {
	calculated, err := d.Calculate(data)
	if err != nil {
		return false, err
	}

	return calculated == expectedDigest, nil
}

func (d *contentDigester) Algorithm() Algorithm {
	return d.algorithm
}

func (d *contentDigester) getHasher() (hash.Hash, error) {
	switch d.algorithm {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", d.algorithm)
	}
}
