// realm-publish pulls a container image from a registry and lays it out the
// way guest realms provision from: a docker-save tarball plus an install
// manifest carrying the image's root-of-trust digest, under a directory any
// plain HTTP server can expose.
package main

import (
	"archive/tar"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/realmkit/realmkit/internal/registry"
)

func main() {
	app := &cli.App{
		Name:      "realm-publish",
		Usage:     "publish a container image for realm provisioning",
		ArgsUsage: "<image reference>",
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Value:   "./registry",
				Usage:   "registry root directory to publish into",
			},
			&cli.StringFlag{
				Name:    "uuid",
				Aliases: []string{"u"},
				Usage:   "provisioning id to publish under (random when omitted)",
			},
			&cli.StringFlag{
				Name:  "loglevel",
				Value: "info",
				Usage: "logging level: debug, info, warning, error, fatal, panic",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("realm-publish failed")
	}
}

func run(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String("loglevel"))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	if c.NArg() != 1 {
		return cli.Exit("exactly one image reference is required", 1)
	}
	imageRef := c.Args().First()

	id := uuid.New()
	if v := c.String("uuid"); v != "" {
		if id, err = uuid.Parse(v); err != nil {
			return errors.Wrapf(err, "invalid uuid %q", v)
		}
	}

	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return errors.Wrapf(err, "parse image reference %q", imageRef)
	}
	tag, ok := ref.(name.Tag)
	if !ok {
		tag = ref.Context().Tag("latest")
	}

	logrus.WithField("image", ref.Name()).Info("pulling image")
	img, err := remote.Image(ref,
		remote.WithContext(c.Context),
		remote.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return errors.Wrapf(err, "pull %s", imageRef)
	}

	dir := filepath.Join(c.Path("output"), id.String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "create publish directory")
	}
	tarPath := filepath.Join(dir, "image.tar")
	logrus.WithField("path", tarPath).Info("writing image tarball")
	if err := tarball.WriteToFile(tarPath, tag, img); err != nil {
		return errors.Wrap(err, "write image tarball")
	}

	rot, err := manifestDigest(tarPath)
	if err != nil {
		return err
	}

	manifest := registry.InstallManifest{
		RootOfTrust: rot,
		RepoTag:     tag.Name(),
	}
	b, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), b, 0644); err != nil {
		return errors.Wrap(err, "write install manifest")
	}

	logrus.WithFields(logrus.Fields{
		"uuid":          id.String(),
		"root_of_trust": rot.String(),
	}).Info("published")
	return nil
}

// manifestDigest returns the sha256 of the manifest.json entry inside a
// docker-save tarball — the root of trust the guest verifies against.
func manifestDigest(tarPath string) (digest.Digest, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return "", errors.Wrap(err, "open image tarball")
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errors.Wrap(err, "scan image tarball")
		}
		if filepath.Clean(hdr.Name) == "manifest.json" {
			d, err := digest.SHA256.FromReader(tr)
			if err != nil {
				return "", errors.Wrap(err, "hash image manifest")
			}
			return d, nil
		}
	}
	return "", errors.New("image tarball carries no manifest.json")
}
