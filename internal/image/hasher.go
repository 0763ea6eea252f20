// Package image installs measured container images and launches them chroot'd
// into their unpacked root filesystems.
package image

import (
	"hash"
	"io"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Hasher wraps a reader with a running digest. Every byte handed to the
// caller has already been fed to the hash, so the stream can be consumed
// (parsed, untarred) and measured in one pass.
type Hasher struct {
	alg   digest.Algorithm
	h     hash.Hash
	inner io.Reader
}

// NewHasher returns a hasher over inner for the given algorithm. Only
// sha256 and sha512 are recognized.
func NewHasher(alg digest.Algorithm, inner io.Reader) (*Hasher, error) {
	switch alg {
	case digest.SHA256, digest.SHA512:
	default:
		return nil, errors.Errorf("unsupported digest algorithm %q", string(alg))
	}
	return &Hasher{alg: alg, h: alg.Hash(), inner: inner}, nil
}

func (r *Hasher) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	if n > 0 {
		r.h.Write(p[:n])
	}
	return n, err
}

// Finalize returns the digest of everything read so far and resets the
// running hash.
func (r *Hasher) Finalize() digest.Digest {
	d := digest.NewDigestFromBytes(r.alg, r.h.Sum(nil))
	r.h.Reset()
	return d
}

// drainRest consumes whatever the stream still holds so trailing bytes a
// tar reader left behind are included in the measurement.
func drainRest(r io.Reader) {
	_, _ = io.Copy(io.Discard, r)
}

// readMeasured reads all of r through a hasher and returns the content with
// its digest.
func readMeasured(alg digest.Algorithm, r io.Reader) ([]byte, digest.Digest, error) {
	hasher, err := NewHasher(alg, r)
	if err != nil {
		return nil, "", err
	}
	content, err := io.ReadAll(hasher)
	if err != nil {
		return nil, "", err
	}
	return content, hasher.Finalize(), nil
}
