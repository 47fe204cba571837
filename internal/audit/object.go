package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/nidhogg/mindpulse/internal/signal"
)

// ObjectConfig holds S3-compatible storage settings.
type ObjectConfig struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
	// MaxBuffered caps signals held per session before an early upload.
	MaxBuffered int `json:"max_buffered" yaml:"max_buffered"`
}

type objectPutter interface {
	PutObject(ctx context.Context, bucket, name string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectSink buffers accepted signals per session as NDJSON and uploads
// one object per session when it ends, or a part whenever the buffer fills.
type ObjectSink struct {
	client  objectPutter
	bucket  string
	maxBuf  int
	now     func() time.Time
	mu      sync.Mutex
	buffers map[string]*sessionBuffer
	logger  *zap.Logger
}

type sessionBuffer struct {
	lines bytes.Buffer
	count int
	part  int
}

// NewObjectSink connects to the object store and ensures the bucket exists.
func NewObjectSink(ctx context.Context, cfg ObjectConfig, logger *zap.Logger) (*ObjectSink, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("audit bucket created", zap.String("bucket", cfg.Bucket))
	}
	return newObjectSink(mc, cfg.Bucket, cfg.MaxBuffered, logger), nil
}

func newObjectSink(client objectPutter, bucket string, maxBuf int, logger *zap.Logger) *ObjectSink {
	if maxBuf <= 0 {
		maxBuf = 10000
	}
	return &ObjectSink{
		client:  client,
		bucket:  bucket,
		maxBuf:  maxBuf,
		now:     time.Now,
		buffers: make(map[string]*sessionBuffer),
		logger:  logger,
	}
}

func (o *ObjectSink) Record(ctx context.Context, s signal.Signal) error {
	line, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}

	o.mu.Lock()
	b, ok := o.buffers[s.SessionID]
	if !ok {
		b = &sessionBuffer{}
		o.buffers[s.SessionID] = b
	}
	b.lines.Write(line)
	b.lines.WriteByte('\n')
	b.count++
	var full []byte
	var part int
	if b.count >= o.maxBuf {
		full = bytes.Clone(b.lines.Bytes())
		part = b.part
		b.part++
		b.lines.Reset()
		b.count = 0
	}
	o.mu.Unlock()

	if full != nil {
		go o.upload(context.WithoutCancel(ctx), s.SessionID, part, full)
	}
	return nil
}

// EndSession uploads whatever is buffered for the session.
func (o *ObjectSink) EndSession(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	b, ok := o.buffers[sessionID]
	delete(o.buffers, sessionID)
	o.mu.Unlock()
	if !ok || b.count == 0 {
		return nil
	}
	return o.upload(ctx, sessionID, b.part, b.lines.Bytes())
}

// Close uploads every open buffer.
func (o *ObjectSink) Close(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.buffers))
	for id := range o.buffers {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := o.EndSession(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (o *ObjectSink) objectName(sessionID string, part int) string {
	return fmt.Sprintf("signals/%s/%s-%04d.ndjson", o.now().UTC().Format("2006/01/02"), sessionID, part)
}

func (o *ObjectSink) upload(ctx context.Context, sessionID string, part int, data []byte) error {
	name := o.objectName(sessionID, part)
	_, err := o.client.PutObject(ctx, o.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		o.logger.Error("audit upload failed", zap.String("object", name), zap.Error(err))
		return fmt.Errorf("upload %s/%s: %w", o.bucket, name, err)
	}
	o.logger.Debug("audit uploaded", zap.String("object", name), zap.Int("bytes", len(data)))
	return nil
}
