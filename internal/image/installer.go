//go:build linux

package image

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/containerd/v2/pkg/archive"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/realmkit/realmkit/internal/log"
)

// wantedArchitecture is the config variant selected out of a multi-arch
// manifest list.
const wantedArchitecture = "arm64"

var (
	// ErrEmptyManifest is returned when manifest.json holds no entries.
	ErrEmptyManifest = errors.New("empty manifest")

	// ErrNoImageForArch is returned when no manifest entry carries a config
	// for the wanted architecture.
	ErrNoImageForArch = errors.New("no image for architecture " + wantedArchitecture)

	// ErrHashCountMismatch is returned when the number of filesystem layers
	// disagrees with the number of diff_ids in the container config.
	ErrHashCountMismatch = errors.New("number of fs layers mismatches number of hashes in container config")
)

// HashMismatchError reports a file whose measured digest disagrees with its
// declared one. It always aborts provisioning; a mismatch means the image
// was corrupted or substituted.
type HashMismatchError struct {
	Path     string
	Expected digest.Digest
	Got      digest.Digest
}

func (e *HashMismatchError) Error() string {
	return errors.Errorf("image is corrupted, hash mismatch. file: %s, expected: %s got: %s",
		e.Path, e.Expected, e.Got).Error()
}

// Installer unpacks, verifies and prepares container images below a
// per-application work directory.
type Installer struct {
	dst string
}

// NewInstaller returns an installer rooted at dst.
func NewInstaller(dst string) *Installer {
	return &Installer{dst: dst}
}

func (i *Installer) imgDir() string    { return filepath.Join(i.dst, "img") }
func (i *Installer) rootfsDir() string { return filepath.Join(i.dst, "rootfs") }

// Install unpacks the docker-save tar carried by image, verifies every file
// against its declared digest with manifest.json anchored to rootOfTrust,
// and applies the filesystem layers in order. The returned launcher is ready
// to spawn. Nothing is trusted before its hash has been checked.
func (i *Installer) Install(ctx context.Context, rootOfTrust digest.Digest, image io.Reader) (*Launcher, error) {
	imgDir := i.imgDir()

	log.G(ctx).Info("decompressing container image")
	if err := os.MkdirAll(imgDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create image directory")
	}
	if _, err := archive.Apply(ctx, imgDir, image); err != nil {
		return nil, errors.Wrap(err, "unpack image archive")
	}

	log.G(ctx).Info("reading image manifest")
	manifests, err := i.readManifest(rootOfTrust)
	if err != nil {
		return nil, err
	}

	log.G(ctx).Info("reading container config")
	manifest, config, err := i.selectConfig(manifests)
	if err != nil {
		return nil, err
	}

	if len(manifest.Layers) != len(config.RootFS.DiffIDs) {
		return nil, ErrHashCountMismatch
	}

	log.G(ctx).Info("decompressing filesystem layers")
	rootfs := i.rootfsDir()
	if err := os.MkdirAll(rootfs, 0755); err != nil {
		return nil, errors.Wrap(err, "create rootfs directory")
	}
	for n, layerPath := range manifest.Layers {
		if err := i.applyLayer(ctx, rootfs, layerPath, config.RootFS.DiffIDs[n]); err != nil {
			return nil, err
		}
	}

	log.G(ctx).WithField("rootfs", rootfs).Info("installation finished")
	return NewLauncher(rootfs, config), nil
}

// Validate re-reads an already-installed image and rebuilds its launcher.
// It does not unpack anything, does not compare manifest.json with a root of
// trust and does not re-hash layers; each container config is still checked
// against the digest in its file name, as in Install. Used on every boot
// after the first.
func (i *Installer) Validate(ctx context.Context) (*Launcher, error) {
	log.G(ctx).Info("reading image manifest")
	manifests, err := i.readManifest("")
	if err != nil {
		return nil, err
	}
	_, config, err := i.selectConfig(manifests)
	if err != nil {
		return nil, err
	}
	rootfs := i.rootfsDir()
	if _, err := os.Stat(rootfs); err != nil {
		return nil, errors.Wrap(err, "installed rootfs missing")
	}
	log.G(ctx).WithField("rootfs", rootfs).Info("application ready")
	return NewLauncher(rootfs, config), nil
}

// readManifest parses manifest.json. When rootOfTrust is non-empty the
// file's digest must match it exactly; this is the anchor every other check
// hangs off.
func (i *Installer) readManifest(rootOfTrust digest.Digest) ([]ImageManifest, error) {
	manifestPath := filepath.Join(i.imgDir(), "manifest.json")
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, errors.Wrap(err, "open image manifest")
	}
	defer f.Close()

	content, measured, err := readMeasured(digest.SHA256, f)
	if err != nil {
		return nil, errors.Wrap(err, "read image manifest")
	}
	if rootOfTrust != "" && measured != rootOfTrust {
		return nil, &HashMismatchError{Path: "manifest.json", Expected: rootOfTrust, Got: measured}
	}

	var manifests []ImageManifest
	if err := json.Unmarshal(content, &manifests); err != nil {
		return nil, errors.Wrap(err, "parse image manifest")
	}
	if len(manifests) == 0 {
		return nil, ErrEmptyManifest
	}
	return manifests, nil
}

// selectConfig verifies each entry's container config against the digest
// embedded in its filename and returns the first entry built for the wanted
// architecture.
func (i *Installer) selectConfig(manifests []ImageManifest) (*ImageManifest, *ocispec.Image, error) {
	for n := range manifests {
		manifest := &manifests[n]
		config, err := i.readContainerConfig(manifest)
		if err != nil {
			return nil, nil, err
		}
		if config.Architecture == wantedArchitecture {
			return manifest, config, nil
		}
	}
	return nil, nil, ErrNoImageForArch
}

func (i *Installer) readContainerConfig(manifest *ImageManifest) (*ocispec.Image, error) {
	hex, _, ok := strings.Cut(filepath.Base(manifest.Config), ".")
	if !ok {
		return nil, errors.Errorf("invalid config path %q, expected <hash>.json", manifest.Config)
	}
	expected := digest.NewDigestFromEncoded(digest.SHA256, hex)
	if err := expected.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config hash %q is not a valid digest", hex)
	}

	configPath := filepath.Join(i.imgDir(), manifest.Config)
	f, err := os.Open(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "open container config %s", manifest.Config)
	}
	defer f.Close()

	content, measured, err := readMeasured(digest.SHA256, f)
	if err != nil {
		return nil, errors.Wrapf(err, "read container config %s", manifest.Config)
	}
	if measured != expected {
		return nil, &HashMismatchError{Path: manifest.Config, Expected: expected, Got: measured}
	}

	var config ocispec.Image
	if err := json.Unmarshal(content, &config); err != nil {
		return nil, errors.Wrapf(err, "parse container config %s", manifest.Config)
	}
	return &config, nil
}

// applyLayer streams one filesystem layer onto rootfs, measuring the
// uncompressed tar as it is applied. Layers must be applied strictly in
// order; overlay semantics depend on it.
func (i *Installer) applyLayer(ctx context.Context, rootfs, layerPath string, diffID digest.Digest) error {
	log.G(ctx).WithField("layer", layerPath).Debug("decompressing layer")

	f, err := os.Open(filepath.Join(i.imgDir(), layerPath))
	if err != nil {
		return errors.Wrapf(err, "open layer %s", layerPath)
	}
	defer f.Close()

	stream, err := maybeGunzip(f)
	if err != nil {
		return errors.Wrapf(err, "read layer %s", layerPath)
	}

	hasher, err := NewHasher(diffID.Algorithm(), stream)
	if err != nil {
		return err
	}
	if _, err := archive.Apply(ctx, rootfs, hasher); err != nil {
		return errors.Wrapf(err, "unpack layer %s", layerPath)
	}
	drainRest(hasher)

	if measured := hasher.Finalize(); measured != diffID {
		return &HashMismatchError{Path: layerPath, Expected: diffID, Got: measured}
	}
	return nil
}

// maybeGunzip transparently decompresses gzip layer files; diff_ids always
// name the uncompressed tar.
func maybeGunzip(f *os.File) (io.Reader, error) {
	var magic [2]byte
	n, err := io.ReadFull(f, magic[:])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if n == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		return gzip.NewReader(f)
	}
	return f, nil
}
