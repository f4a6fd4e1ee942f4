package s3share

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

// fakeS3 is a single-bucket in-memory S3.
type fakeS3 struct {
	mu       sync.Mutex
	bucket   string
	exists   bool
	pageSize int
	objects  map[string]*fakeObject
	calls    map[string]int
	copySrc  []string
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{
		bucket:   bucket,
		exists:   true,
		pageSize: 1000,
		objects:  make(map[string]*fakeObject),
		calls:    make(map[string]int),
	}
}

func (f *fakeS3) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (f *fakeS3) enter(op string, bucket *string) error {
	f.calls[op]++
	if aws.ToString(bucket) != f.bucket || !f.exists {
		return &types.NoSuchBucket{Message: aws.String(aws.ToString(bucket))}
	}
	return nil
}

func (f *fakeS3) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["HeadBucket"]++
	if aws.ToString(in.Bucket) != f.bucket || !f.exists {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateBucket"]++
	f.bucket = aws.ToString(in.Bucket)
	f.exists = true
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListObjectsV2", in.Bucket); err != nil {
		return nil, err
	}

	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)
	token := aws.ToString(in.ContinuationToken)

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	seen := map[string]bool{}
	emitted := 0
	last := ""
	for _, k := range keys {
		if token != "" && (k <= token || strings.HasSuffix(token, "/") && strings.HasPrefix(k, token)) {
			continue
		}
		item := k
		isPrefix := false
		if delim != "" {
			if i := strings.Index(k[len(prefix):], delim); i >= 0 {
				item = k[:len(prefix)+i+len(delim)]
				isPrefix = true
				if seen[item] {
					continue
				}
			}
		}
		if emitted == f.pageSize {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(last)
			return out, nil
		}
		if isPrefix {
			seen[item] = true
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(item)})
		} else {
			obj := f.objects[k]
			out.Contents = append(out.Contents, types.Object{
				Key:          aws.String(k),
				Size:         aws.Int64(int64(len(obj.data))),
				ETag:         aws.String(fmt.Sprintf(`"etag-%d"`, len(obj.data))),
				LastModified: aws.Time(obj.modified),
			})
		}
		emitted++
		last = item
	}
	out.IsTruncated = aws.Bool(false)
	return out, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("HeadObject", in.Bucket); err != nil {
		return nil, err
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		Metadata:      cloneMap(obj.metadata),
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetObject", in.Bucket); err != nil {
		return nil, err
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(bytes.Clone(obj.data))),
		ContentLength: aws.Int64(int64(len(obj.data))),
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutObject", in.Bucket); err != nil {
		return nil, err
	}
	if in.ContentLength != nil && *in.ContentLength != int64(len(data)) {
		return nil, fmt.Errorf("content length %d does not match body %d", *in.ContentLength, len(data))
	}
	f.objects[aws.ToString(in.Key)] = &fakeObject{
		data:        data,
		contentType: aws.ToString(in.ContentType),
		metadata:    cloneMap(in.Metadata),
		modified:    time.Now().UTC(),
	}
	return &s3.PutObjectOutput{ETag: aws.String(`"x"`)}, nil
}

func (f *fakeS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CopyObject", in.Bucket); err != nil {
		return nil, err
	}
	f.copySrc = append(f.copySrc, aws.ToString(in.CopySource))

	src, err := url.PathUnescape(strings.TrimPrefix(aws.ToString(in.CopySource), f.bucket+"/"))
	if err != nil {
		return nil, err
	}
	obj, ok := f.objects[src]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	cp := &fakeObject{
		data:        obj.data,
		contentType: obj.contentType,
		metadata:    cloneMap(obj.metadata),
		modified:    time.Now().UTC(),
	}
	if in.MetadataDirective == types.MetadataDirectiveReplace {
		cp.metadata = cloneMap(in.Metadata)
		cp.contentType = aws.ToString(in.ContentType)
	}
	f.objects[aws.ToString(in.Key)] = cp
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteObject", in.Bucket); err != nil {
		return nil, err
	}
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteObjects", in.Bucket); err != nil {
		return nil, err
	}
	if len(in.Delete.Objects) > deleteBatchSize {
		return nil, fmt.Errorf("too many keys: %d", len(in.Delete.Objects))
	}
	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
