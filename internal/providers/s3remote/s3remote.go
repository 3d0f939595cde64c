// Package s3remote serves a remote lineup from an S3 bucket prefix. Folders
// are key prefixes ending in a slash, files are objects.
package s3remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/spf13/afero"

	"github.com/zeusync/variantsync/internal/core/metrics"
	"github.com/zeusync/variantsync/internal/core/observability/log"
	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/variants"
	"github.com/zeusync/variantsync/internal/core/variants/cached"
)

// API is the part of *s3.Client the remote uses.
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

var _ API = (*s3.Client)(nil)

// Config locates the bucket. Endpoint and credentials are optional; the
// default AWS chain applies when they are empty.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// NewClient builds an S3 client for cfg using path style addressing, which
// S3 compatible stores such as MinIO expect.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	}), nil
}

// Remote reads variants from bucket below prefix. Workspace path /p/a maps
// to key prefix+"p/a".
type Remote struct {
	api    API
	bucket string
	prefix string
	cache  *cached.Registry
	log    log.Log
}

// New serves cfg.Bucket through api. Contents are cached in cache, or in
// memory when cache is nil.
func New(api API, cfg Config, cache *cached.Registry, logger log.Log) *Remote {
	if cache == nil {
		cache = cached.NewRegistry(afero.NewMemMapFs(), "/", cached.Options{})
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Remote{
		api:    api,
		bucket: cfg.Bucket,
		prefix: prefix,
		cache:  cache,
		log:    log.OrNop(logger).With(log.String("bucket", cfg.Bucket)),
	}
}

func (r *Remote) key(p string) string {
	return r.prefix + strings.TrimPrefix(resource.Clean(p), "/")
}

func (r *Remote) folderKey(p string) string {
	k := r.key(p)
	if k == "" || strings.HasSuffix(k, "/") {
		return k
	}
	return k + "/"
}

func (r *Remote) cacheID() string { return "s3:" + r.bucket }

// FetchVariant heads the object of local, falling back to a folder when
// objects exist below it.
func (r *Remote) FetchVariant(ctx context.Context, local resource.Resource, _ resource.Depth) (v variants.ResourceVariant, err error) {
	defer record("fetch_variant", time.Now(), &err)
	if err = variants.CheckCanceled(ctx); err != nil {
		return nil, err
	}
	p := resource.Clean(local.Path())
	if !local.Type().IsContainer() && p != "/" {
		out, err := r.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(r.key(p)),
		})
		switch {
		case err == nil:
			return r.object(p, out.ETag, out.ContentLength), nil
		case !isNotFound(err):
			return nil, fmt.Errorf("head %s: %w", r.key(p), err)
		}
	}

	out, err := r.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(r.bucket),
		Prefix:  aws.String(r.folderKey(p)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.folderKey(p), err)
	}
	if len(out.Contents) == 0 && len(out.CommonPrefixes) == 0 {
		return nil, nil
	}
	return &Variant{remote: r, path: p, container: true}, nil
}

// FetchMembers lists one level below a folder variant.
func (r *Remote) FetchMembers(ctx context.Context, remote variants.ResourceVariant) (members []variants.ResourceVariant, err error) {
	defer record("fetch_members", time.Now(), &err)
	parent, ok := remote.(*Variant)
	if !ok {
		return nil, fmt.Errorf("%w: foreign variant %T", variants.ErrNotSupported, remote)
	}
	if !parent.container {
		return nil, nil
	}
	prefix := r.folderKey(parent.path)
	pages := s3.NewListObjectsV2Paginator(r.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(r.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for pages.HasMorePages() {
		if err = variants.CheckCanceled(ctx); err != nil {
			return nil, err
		}
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			members = append(members, &Variant{remote: r, path: resource.ChildPath(parent.path, name), container: true})
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			// folder markers
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			members = append(members, r.object(resource.ChildPath(parent.path, name), obj.ETag, obj.Size))
		}
	}
	return members, nil
}

func (r *Remote) object(p string, etag *string, size *int64) *Variant {
	return &Variant{
		remote: r,
		path:   p,
		etag:   strings.Trim(aws.ToString(etag), `"`),
		size:   aws.ToInt64(size),
	}
}

// ResourceVariant rebuilds a variant from bytes of the form "d" or
// "o:<etag>:<size>".
func (r *Remote) ResourceVariant(local resource.Resource, b []byte) (variants.ResourceVariant, error) {
	s := string(b)
	if s == "d" {
		return &Variant{remote: r, path: local.Path(), container: true}, nil
	}
	i, j := strings.Index(s, ":"), strings.LastIndex(s, ":")
	if i < 0 || i == j || s[:i] != "o" || j == i+1 {
		return nil, fmt.Errorf("%w: s3 variant %q", variants.ErrInvalidBytes, s)
	}
	size, err := strconv.ParseInt(s[j+1:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: size %q", variants.ErrInvalidBytes, s[j+1:])
	}
	return &Variant{remote: r, path: local.Path(), etag: s[i+1 : j], size: size}, nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

func record(op string, start time.Time, err *error) {
	metrics.RecordRemoteOperation("s3", op, time.Since(start), *err)
}
