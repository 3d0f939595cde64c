package s3remote

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/zeusync/variantsync/internal/core/variants"
	"github.com/zeusync/variantsync/internal/core/variants/cached"
)

// Variant is an object or folder of the bucket.
type Variant struct {
	remote    *Remote
	path      string
	container bool
	etag      string
	size      int64
}

var _ variants.ResourceVariant = (*Variant)(nil)

func (v *Variant) Name() string              { return path.Base(v.path) }
func (v *Variant) Path() string              { return v.path }
func (v *Variant) IsContainer() bool         { return v.container }
func (v *Variant) ContentIdentifier() string { return v.etag }
func (v *Variant) Size() int64               { return v.size }

func (v *Variant) Bytes() []byte {
	if v.container {
		return []byte("d")
	}
	return []byte("o:" + v.etag + ":" + strconv.FormatInt(v.size, 10))
}

func (v *Variant) Storage(ctx context.Context) (variants.Storage, error) {
	return cached.New(v, v.remote.cache).Storage(ctx)
}

func (v *Variant) CachePath() string { return v.remote.key(v.path) + "@" + v.etag }
func (v *Variant) CacheID() string   { return v.remote.cacheID() }

// FetchContents downloads the object revision the variant was built from.
func (v *Variant) FetchContents(ctx context.Context, into *cached.Variant) (err error) {
	defer record("get_object", time.Now(), &err)
	out, err := v.remote.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket:  aws.String(v.remote.bucket),
		Key:     aws.String(v.remote.key(v.path)),
		IfMatch: aws.String(`"` + v.etag + `"`),
	})
	if err != nil {
		return fmt.Errorf("get %s: %w", v.remote.key(v.path), err)
	}
	defer out.Body.Close()
	return into.SetContents(out.Body)
}
