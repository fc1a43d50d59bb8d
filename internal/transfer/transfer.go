// Package transfer implements the artifact copy between two registries:
// manifest pull, content-addressable blob dedup, digest-verified blob
// streaming, and manifest push. The manifest is always pushed after all
// blobs it references are confirmed present at the destination, so the
// destination never holds a manifest pointing at missing content.
package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/opencontainers/go-digest"

	"github.com/ocimirror/ocimirror/internal/registry"
)

// Engine copies or deletes one resource at the destination registry.
type Engine interface {
	// Copy replicates srcRepo:tag from the source registry to
	// dstRepo:tag at the destination
	Copy(ctx context.Context, srcRepo, tag, dstRepo string, override bool) error

	// Delete removes dstRepo:tag at the destination; a missing tag is
	// not an error
	Delete(ctx context.Context, dstRepo, tag string) error
}

// Factory builds transfer engines bound to a source/destination client
// pair. Workers create one engine per task so per-task loggers capture
// the transfer detail stream.
type Factory interface {
	New(src, dst registry.Client, log *slog.Logger) Engine
}

type defaultFactory struct{}

// NewFactory returns the production engine factory.
func NewFactory() Factory {
	return defaultFactory{}
}

func (defaultFactory) New(src, dst registry.Client, log *slog.Logger) Engine {
	return &engine{src: src, dst: dst, log: log}
}

type engine struct {
	src registry.Client
	dst registry.Client
	log *slog.Logger
}

// Copy replicates one tagged artifact. Cancellation is cooperative and
// checked at step boundaries: before the manifest pull, before each
// blob, and before the manifest push. A transfer already streaming a
// blob runs that blob to completion or its own I/O timeout.
func (e *engine) Copy(ctx context.Context, srcRepo, tag, dstRepo string, override bool) error {
	return e.copyManifest(ctx, srcRepo, tag, dstRepo, tag, override)
}

func (e *engine) copyManifest(ctx context.Context, srcRepo, srcRef, dstRepo, dstRef string, override bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.log.Info("pulling manifest", "repository", srcRepo, "reference", srcRef)
	manifest, err := e.src.PullManifest(ctx, srcRepo, srcRef)
	if err != nil {
		return fmt.Errorf("failed to pull manifest %s:%s: %w", srcRepo, srcRef, err)
	}

	exist, dstDigest, err := e.dst.ManifestExist(ctx, dstRepo, dstRef)
	if err != nil {
		return fmt.Errorf("failed to check manifest %s:%s at destination: %w", dstRepo, dstRef, err)
	}
	if exist {
		if dstDigest == manifest.Digest {
			e.log.Info("manifest already present at destination, skipping",
				"repository", dstRepo, "reference", dstRef)
			return nil
		}
		if !override {
			e.log.Warn("manifest exists at destination with a different digest and override is disabled, skipping",
				"repository", dstRepo, "reference", dstRef)
			return nil
		}
	}

	if manifest.IsIndex() {
		// Copy every referenced child manifest first; the index itself
		// goes last so it never references missing manifests
		for _, child := range manifest.Children {
			if err := e.copyManifest(ctx, srcRepo, child.Digest, dstRepo, child.Digest, true); err != nil {
				return err
			}
		}
	} else {
		blobs := manifest.Blobs
		if manifest.Config != nil {
			blobs = append(blobs, *manifest.Config)
		}
		for _, blob := range blobs {
			if err := e.copyBlob(ctx, srcRepo, dstRepo, blob); err != nil {
				return err
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	e.log.Info("pushing manifest", "repository", dstRepo, "reference", dstRef)
	if err := e.dst.PushManifest(ctx, dstRepo, dstRef, manifest.MediaType, manifest.Payload); err != nil {
		return fmt.Errorf("failed to push manifest %s:%s: %w", dstRepo, dstRef, err)
	}
	return nil
}

// copyBlob moves one blob, skipping the upload when the destination
// already holds the digest. The content is re-hashed while streaming
// and compared to the expected digest before success is acknowledged.
func (e *engine) copyBlob(ctx context.Context, srcRepo, dstRepo string, desc registry.Descriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	exist, err := e.dst.BlobExist(ctx, dstRepo, desc.Digest)
	if err != nil {
		return fmt.Errorf("failed to check blob %s at destination: %w", desc.Digest, err)
	}
	if exist {
		e.log.Info("blob already present at destination, skipping", "digest", desc.Digest)
		return nil
	}

	content, size, err := e.src.PullBlob(ctx, srcRepo, desc.Digest)
	if err != nil {
		return fmt.Errorf("failed to pull blob %s: %w", desc.Digest, err)
	}
	defer content.Close()
	if size < 0 {
		size = desc.Size
	}

	expected, err := digest.Parse(desc.Digest)
	if err != nil {
		return fmt.Errorf("invalid blob digest %q: %w", desc.Digest, err)
	}
	verifier := expected.Verifier()

	e.log.Info("copying blob", "digest", desc.Digest, "size", size)
	if err := e.dst.PushBlob(ctx, dstRepo, desc.Digest, size, io.TeeReader(content, verifier)); err != nil {
		return fmt.Errorf("failed to push blob %s: %w", desc.Digest, err)
	}
	if !verifier.Verified() {
		return fmt.Errorf("blob %s: %w", desc.Digest, registry.ErrDigestMismatch)
	}
	return nil
}

// Delete removes the tag's manifest at the destination. Blob garbage
// collection is the destination registry's concern, not ours.
func (e *engine) Delete(ctx context.Context, dstRepo, tag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	exist, _, err := e.dst.ManifestExist(ctx, dstRepo, tag)
	if err != nil {
		return fmt.Errorf("failed to check manifest %s:%s at destination: %w", dstRepo, tag, err)
	}
	if !exist {
		e.log.Info("manifest not present at destination, nothing to delete",
			"repository", dstRepo, "tag", tag)
		return nil
	}

	e.log.Info("deleting manifest", "repository", dstRepo, "tag", tag)
	if err := e.dst.DeleteManifest(ctx, dstRepo, tag); err != nil {
		return fmt.Errorf("failed to delete manifest %s:%s: %w", dstRepo, tag, err)
	}
	return nil
}
