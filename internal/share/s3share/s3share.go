// Package s3share maps a share onto an S3 bucket. Directories are key prefixes
// marked by zero-byte "dir/" objects and metadata bags are S3 user metadata.
package s3share

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/sharesync/internal/share"
	"github.com/openmined/sharesync/internal/utils"
)

const (
	defaultRegion   = "us-east-1"
	deleteBatchSize = 1000
	sniffLen        = 512
	prefixCacheSize = 4096
)

// S3API is the subset of *s3.Client used by the share.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

type Share struct {
	name   string
	bucket string
	region string
	client S3API
	// directory prefixes known to have a marker
	prefixes *lru.Cache[string, struct{}]
}

var _ share.Backend = (*Share)(nil)

// New builds an S3 client from cfg and makes sure the bucket is reachable.
func New(ctx context.Context, name string, cfg *Config) (*Share, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = name
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("s3share: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	s := NewWithClient(client, name, cfg.Bucket, cfg.Region)
	if err := s.ensureBucket(ctx, cfg.CreateBucket); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithClient wraps an existing client. Used by tests and by callers that
// configure the SDK themselves.
func NewWithClient(client S3API, name, bucket, region string) *Share {
	cache, _ := lru.New[string, struct{}](prefixCacheSize)
	if region == "" {
		region = defaultRegion
	}
	return &Share{
		name:     name,
		bucket:   bucket,
		region:   region,
		client:   client,
		prefixes: cache,
	}
}

func (s *Share) Name() string   { return s.name }
func (s *Share) Bucket() string { return s.bucket }

func (s *Share) ensureBucket(ctx context.Context, create bool) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket})
	if err == nil {
		return nil
	}
	if !isNotFound(err) || !create {
		return share.NewOpError("HeadBucket", s.bucket, err)
	}

	input := &s3.CreateBucketInput{Bucket: &s.bucket}
	if s.region != defaultRegion {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		return share.NewOpError("CreateBucket", s.bucket, err)
	}
	slog.Info("s3share", "op", "CreateBucket", "bucket", s.bucket, "region", s.region)
	return nil
}

func (s *Share) List(ctx context.Context, dir string) ([]*share.Entry, error) {
	dir = share.Join(dir)
	prefix := dirPrefix(dir)

	var entries []*share.Entry
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    &s.bucket,
		Prefix:    aws.String(prefix),
		Delimiter: aws.String(share.Separator),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, share.NewOpError("List", dir, err)
		}

		for _, cp := range page.CommonPrefixes {
			p := strings.TrimSuffix(aws.ToString(cp.Prefix), share.Separator)
			entries = append(entries, &share.Entry{
				Type: share.EntryDir,
				Name: share.Base(p),
				Path: p,
			})
			s.prefixes.Add(p, struct{}{})
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix || strings.HasSuffix(key, share.Separator) {
				continue
			}
			entries = append(entries, &share.Entry{
				Type:         share.EntryFile,
				Name:         share.Base(key),
				Path:         key,
				Size:         aws.ToInt64(obj.Size),
				ETag:         trimETag(obj.ETag),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return entries, nil
}

func (s *Share) Metadata(ctx context.Context, path string) (share.Metadata, error) {
	head, err := s.head(ctx, "Metadata", path)
	if err != nil {
		return nil, err
	}
	return decodeMetadata(head.Metadata), nil
}

// SetMetadata copies the object onto itself with the new bag. S3 has no other
// way to change user metadata in place.
func (s *Share) SetMetadata(ctx context.Context, path string, md share.Metadata) error {
	path = share.Join(path)
	head, err := s.head(ctx, "SetMetadata", path)
	if err != nil {
		return err
	}

	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            &s.bucket,
		Key:               &path,
		CopySource:        aws.String(copySource(s.bucket, path)),
		MetadataDirective: types.MetadataDirectiveReplace,
		ContentType:       head.ContentType,
		Metadata:          encodeMetadata(md),
	})
	if err != nil {
		return share.NewOpError("SetMetadata", path, err)
	}
	return nil
}

func (s *Share) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.head(ctx, "Exists", path)
	if err != nil {
		if share.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Share) Delete(ctx context.Context, path string) (bool, error) {
	path = share.Join(path)
	exists, err := s.Exists(ctx, path)
	if err != nil || !exists {
		return false, err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &path,
	}); err != nil {
		return false, share.NewOpError("Delete", path, err)
	}
	return true, nil
}

func (s *Share) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	path = share.Join(path)
	if path == "" {
		return nil, share.NewOpError("Open", path, share.ErrInvalidPath)
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &path,
	})
	if err != nil {
		return nil, wrapError("Open", path, err)
	}
	return resp.Body, nil
}

func (s *Share) Put(ctx context.Context, path string, body io.Reader, size int64) error {
	path = share.Join(path)
	if path == "" {
		return share.NewOpError("Put", path, share.ErrInvalidPath)
	}

	head, body, err := sniff(body)
	if err != nil {
		return share.NewOpError("Put", path, err)
	}

	input := &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &path,
		Body:        body,
		ContentType: aws.String(utils.DetectContentType(share.Base(path), head)),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return share.NewOpError("Put", path, err)
	}
	return nil
}

// MkdirAll writes a marker for dir and every missing ancestor.
func (s *Share) MkdirAll(ctx context.Context, dir string) error {
	dir = share.Join(dir)
	var pending []string
	for p := dir; p != ""; p = parentOf(p) {
		if s.prefixes.Contains(p) {
			break
		}
		pending = append(pending, p)
	}

	for i := len(pending) - 1; i >= 0; i-- {
		p := pending[i]
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        &s.bucket,
			Key:           aws.String(dirPrefix(p)),
			Body:          bytes.NewReader(nil),
			ContentLength: aws.Int64(0),
		})
		if err != nil {
			return share.NewOpError("MkdirAll", p, err)
		}
		s.prefixes.Add(p, struct{}{})
	}
	return nil
}

// RemoveDir deletes every key under dir, including markers.
func (s *Share) RemoveDir(ctx context.Context, dir string) error {
	dir = share.Join(dir)
	prefix := dirPrefix(dir)

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: aws.String(prefix),
	})

	var batch []types.ObjectIdentifier
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: &s.bucket,
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		batch = batch[:0]
		if err != nil {
			return share.NewOpError("RemoveDir", dir, err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return share.NewOpError("RemoveDir", aws.ToString(e.Key),
				fmt.Errorf("%d keys not deleted: %s", len(out.Errors), aws.ToString(e.Message)))
		}
		return nil
	}

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return share.NewOpError("RemoveDir", dir, err)
		}
		for _, obj := range page.Contents {
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})
			if len(batch) == deleteBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	for _, p := range s.prefixes.Keys() {
		if dir == "" || p == dir || strings.HasPrefix(p, prefix) {
			s.prefixes.Remove(p)
		}
	}
	return nil
}

func (s *Share) head(ctx context.Context, op, path string) (*s3.HeadObjectOutput, error) {
	path = share.Join(path)
	if path == "" {
		return nil, share.NewOpError(op, path, share.ErrNotFound)
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &path,
	})
	if err != nil {
		return nil, wrapError(op, path, err)
	}
	return out, nil
}

// sniff reads the first bytes of body for content type detection and returns a
// body that still yields the whole content. Seekable bodies are rewound and
// passed through as is, since the SDK cannot checksum a plain reader over http.
func sniff(body io.Reader) ([]byte, io.Reader, error) {
	seeker, seekable := body.(io.ReadSeeker)
	var start int64
	if seekable {
		pos, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			seekable = false
		}
		start = pos
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, nil, err
	}
	head = head[:n]

	if seekable {
		if _, err := seeker.Seek(start, io.SeekStart); err != nil {
			return nil, nil, err
		}
		return head, seeker, nil
	}
	return head, io.MultiReader(bytes.NewReader(head), body), nil
}

// encodeMetadata escapes values since S3 only carries ASCII in headers.
func encodeMetadata(md share.Metadata) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[strings.ToLower(k)] = url.PathEscape(v)
	}
	return out
}

func decodeMetadata(raw map[string]string) share.Metadata {
	md := make(share.Metadata, len(raw))
	for k, v := range raw {
		if dec, err := url.PathUnescape(v); err == nil {
			v = dec
		}
		md[strings.ToLower(k)] = v
	}
	return md
}

func wrapError(op, path string, err error) error {
	if isNotFound(err) {
		return share.NewOpError(op, path, fmt.Errorf("%w: %v", share.ErrNotFound, err))
	}
	return share.NewOpError(op, path, err)
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return true
		}
	}
	return false
}

func dirPrefix(dir string) string {
	if dir == "" {
		return ""
	}
	return dir + share.Separator
}

func copySource(bucket, key string) string {
	segs := strings.Split(key, share.Separator)
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return bucket + "/" + strings.Join(segs, share.Separator)
}

func trimETag(etag *string) string {
	return strings.Trim(aws.ToString(etag), `"`)
}

func parentOf(p string) string {
	i := strings.LastIndex(p, share.Separator)
	if i < 0 {
		return ""
	}
	return p[:i]
}
