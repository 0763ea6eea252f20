package image

// ImageManifest is one entry of the manifest.json list at the top of a
// docker-save image tar. Config and Layers are paths relative to the
// unpacked image directory; the Config filename is prefixed with the hex
// digest of the file it names.
type ImageManifest struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// The container configuration referenced by an ImageManifest is the OCI
// image config (architecture, entrypoint, cmd, env, user, working dir and
// rootfs diff_ids); it is decoded into
// github.com/opencontainers/image-spec/specs-go/v1.Image directly.
