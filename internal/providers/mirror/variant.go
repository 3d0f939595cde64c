package mirror

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"

	"github.com/zeusync/variantsync/internal/core/observability/log"
	"github.com/zeusync/variantsync/internal/core/variants"
	"github.com/zeusync/variantsync/internal/core/variants/cached"
)

// Variant is a file or folder of the mirror. Folders are identified by kind
// only, files by content digest and size.
type Variant struct {
	remote    *Remote
	path      string
	container bool
	digest    uint64
	size      int64
}

var _ variants.ResourceVariant = (*Variant)(nil)

func (v *Variant) Name() string      { return path.Base(v.path) }
func (v *Variant) Path() string      { return v.path }
func (v *Variant) IsContainer() bool { return v.container }
func (v *Variant) Size() int64       { return v.size }

func (v *Variant) ContentIdentifier() string {
	if v.container {
		return ""
	}
	return strconv.FormatUint(v.digest, 16)
}

func (v *Variant) Bytes() []byte {
	if v.container {
		return []byte("d")
	}
	return []byte("f:" + strconv.FormatUint(v.digest, 16) + ":" + strconv.FormatInt(v.size, 10))
}

// Storage serves the contents through the content cache.
func (v *Variant) Storage(ctx context.Context) (variants.Storage, error) {
	return cached.New(v, v.remote.cache).Storage(ctx)
}

func (v *Variant) CachePath() string { return v.path + "@" + v.ContentIdentifier() }
func (v *Variant) CacheID() string   { return CacheID }

// FetchContents copies the mirror file into the cache, failing when it no
// longer matches the digest.
func (v *Variant) FetchContents(ctx context.Context, into *cached.Variant) error {
	if err := variants.CheckCanceled(ctx); err != nil {
		return err
	}
	data, err := afero.ReadFile(v.remote.fs, v.remote.filePath(v.path))
	if err != nil {
		return fmt.Errorf("read %s: %w", v.path, err)
	}
	if xxhash.Sum64(data) != v.digest {
		v.remote.log.Warn("mirror file changed since refresh", log.Path(v.path))
		return fmt.Errorf("%w: %s changed since refresh", variants.ErrContentsNotCached, v.path)
	}
	return into.SetContents(bytes.NewReader(data))
}
