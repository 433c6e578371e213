package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Options configures access to s3://bucket/key mirrors.
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// s3Mirror lazily builds a minio client and serves ranged object reads.
type s3Mirror struct {
	opts S3Options

	mu     sync.Mutex
	client *minio.Client
}

func newS3Mirror(opts S3Options) *s3Mirror {
	return &s3Mirror{opts: opts}
}

func (m *s3Mirror) getClient() (*minio.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}
	if strings.TrimSpace(m.opts.Endpoint) == "" {
		return nil, fmt.Errorf("s3 endpoint not configured")
	}
	var creds *credentials.Credentials
	if m.opts.AccessKey != "" {
		creds = credentials.NewStaticV4(m.opts.AccessKey, m.opts.SecretKey, "")
	} else {
		creds = credentials.NewStaticV4("", "", "") // anonymous
	}
	cli, err := minio.New(m.opts.Endpoint, &minio.Options{
		Creds:     creds,
		Secure:    m.opts.UseSSL,
		Region:    m.opts.Region,
		Transport: newS3Transport(),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	m.client = cli
	return cli, nil
}

// open returns a reader over s3://bucket/key starting at offset. S3 always
// honors range reads, so resume is true whenever offset > 0.
func (m *s3Mirror) open(ctx context.Context, mirror string, offset int64) (io.ReadCloser, int64, bool, error) {
	bucket, key, err := splitS3URL(mirror)
	if err != nil {
		return nil, 0, false, err
	}
	cli, err := m.getClient()
	if err != nil {
		return nil, 0, false, err
	}
	stat, err := cli.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, 0, false, fmt.Errorf("stat s3 object: %w", err)
	}
	var getOpts minio.GetObjectOptions
	if offset > 0 {
		if offset >= stat.Size {
			// partial file covers the whole object; nothing left to read
			offset = 0
		} else if err := getOpts.SetRange(offset, 0); err != nil {
			return nil, 0, false, fmt.Errorf("set s3 range: %w", err)
		}
	}
	obj, err := cli.GetObject(ctx, bucket, key, getOpts)
	if err != nil {
		return nil, 0, false, fmt.Errorf("get s3 object: %w", err)
	}
	return obj, stat.Size, offset > 0, nil
}

func splitS3URL(raw string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(raw, "s3://")
	i := strings.IndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("malformed s3 url: %s", raw)
	}
	return rest[:i], rest[i+1:], nil
}

func newS3Transport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
