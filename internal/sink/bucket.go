package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

// BucketOpener writes each download to an object in a blob bucket, such as
// file:///srv/downloads or mem://.
type BucketOpener struct {
	bucket *blob.Bucket
	url    string
	owned  bool

	mu      sync.Mutex
	writers map[string]*bucketSink
}

// NewBucketOpener opens the bucket at bucketURL. The opener closes the
// bucket in Close.
func NewBucketOpener(ctx context.Context, bucketURL string) (*BucketOpener, error) {
	if bucketURL == "" {
		return nil, ErrNoBucket
	}
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	bo := WrapBucket(bkt, bucketURL)
	bo.owned = true
	return bo, nil
}

// WrapBucket uses an already open bucket. The caller keeps ownership of it.
func WrapBucket(bkt *blob.Bucket, bucketURL string) *BucketOpener {
	return &BucketOpener{
		bucket:  bkt,
		url:     bucketURL,
		writers: make(map[string]*bucketSink),
	}
}

// Open starts a new object named name. Its content is committed on Close.
func (bo *BucketOpener) Open(ctx context.Context, name string) (Sink, error) {
	bo.mu.Lock()
	defer bo.mu.Unlock()

	if _, ok := bo.writers[name]; ok {
		return nil, fmt.Errorf("object %s is already open", name)
	}

	w, err := bo.bucket.NewWriter(ctx, name, &blob.WriterOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return nil, fmt.Errorf("create object %s: %w", name, err)
	}

	s := &bucketSink{opener: bo, key: name, w: w}
	bo.writers[name] = s
	return s, nil
}

// CloseAll commits every object that is still open.
func (bo *BucketOpener) CloseAll() error {
	bo.mu.Lock()
	sinks := make([]*bucketSink, 0, len(bo.writers))
	for _, s := range bo.writers {
		sinks = append(sinks, s)
	}
	bo.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Close commits open objects and releases the bucket if the opener opened it.
func (bo *BucketOpener) Close() error {
	err := bo.CloseAll()
	if bo.owned {
		err = errors.Join(err, bo.bucket.Close())
	}
	return err
}

type bucketSink struct {
	opener *BucketOpener
	key    string
	w      *blob.Writer
	closed bool
}

func (s *bucketSink) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *bucketSink) Dest() string { return s.key }

func (s *bucketSink) Close() error {
	bo := s.opener
	bo.mu.Lock()
	if s.closed {
		bo.mu.Unlock()
		return nil
	}
	s.closed = true
	delete(bo.writers, s.key)
	bo.mu.Unlock()

	if err := s.w.Close(); err != nil {
		return fmt.Errorf("commit object %s: %w", s.key, err)
	}
	return nil
}

// URL returns the bucket URL the opener was created for.
func (bo *BucketOpener) URL() string { return bo.url }
