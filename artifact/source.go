package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

// MaxArtifactSize bounds how much of a remote artifact is read.
const MaxArtifactSize = 64 << 20

// FileSource loads an artifact from the local file system.
type FileSource struct {
	Path string
}

func (s *FileSource) Load(ctx context.Context) (interfaces.Artifact, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return interfaces.Artifact{}, fmt.Errorf("%w: %w", interfaces.ErrExtractionFailed, err)
	}
	return interfaces.NewArtifact(filepath.Base(s.Path), data), nil
}

func (s *FileSource) LocationURI() string {
	return "file://" + s.Path
}

// HTTPSource downloads an artifact.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func (s *HTTPSource) Load(ctx context.Context) (interfaces.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return interfaces.Artifact{}, fmt.Errorf("%w: %w", interfaces.ErrExtractionFailed, err)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return interfaces.Artifact{}, fmt.Errorf("%w: %w", interfaces.ErrExtractionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return interfaces.Artifact{}, fmt.Errorf("%w: %s returned %d", interfaces.ErrExtractionFailed, s.URL, resp.StatusCode)
	}

	data, err := readLimited(resp.Body)
	if err != nil {
		return interfaces.Artifact{}, err
	}
	return interfaces.NewArtifact(nameFromPath(req.URL.Path, "download"), data), nil
}

func (s *HTTPSource) LocationURI() string {
	return s.URL
}

// S3Source loads an artifact object from S3.
type S3Source struct {
	client *s3.S3
	bucket string
	key    string
}

func NewS3Source(bucket, key, region, endpoint string) (*S3Source, error) {
	cfg := aws.NewConfig().WithRegion(region)
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Source{client: s3.New(sess), bucket: bucket, key: key}, nil
}

func (s *S3Source) Load(ctx context.Context) (interfaces.Artifact, error) {
	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return interfaces.Artifact{}, fmt.Errorf("%w: %w", interfaces.ErrExtractionFailed, err)
	}
	defer result.Body.Close()

	data, err := readLimited(result.Body)
	if err != nil {
		return interfaces.Artifact{}, err
	}
	return interfaces.NewArtifact(path.Base(s.key), data), nil
}

func (s *S3Source) LocationURI() string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.key)
}

// IPFSSource loads an artifact by CID through an IPFS node.
type IPFSSource struct {
	shell *shell.Shell
	cid   string
}

func NewIPFSSource(apiAddr, cid string, timeout time.Duration) *IPFSSource {
	sh := shell.NewShell(apiAddr)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}
	return &IPFSSource{shell: sh, cid: cid}
}

func (s *IPFSSource) Load(ctx context.Context) (interfaces.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.Artifact{}, fmt.Errorf("%w: %w", interfaces.ErrExtractionFailed, err)
	}

	reader, err := s.shell.Cat(s.cid)
	if err != nil {
		return interfaces.Artifact{}, fmt.Errorf("%w: %w", interfaces.ErrExtractionFailed, err)
	}
	defer reader.Close()

	data, err := readLimited(reader)
	if err != nil {
		return interfaces.Artifact{}, err
	}
	return interfaces.NewArtifact(path.Base(s.cid), data), nil
}

func (s *IPFSSource) LocationURI() string {
	return "ipfs://" + s.cid
}

// NewSourceFromURI creates an artifact source from a location URI:
//
//	file:///path/to/photo.jpg
//	https://example.com/photo.jpg
//	s3://bucket/key/photo.jpg?region=us-east-1&endpoint=http://minio:9000
//	ipfs://CID?api=127.0.0.1:5001
//	github://owner/repo/<blob sha>?api=https://api.github.com (token from GITHUB_TOKEN)
//
// A plain path is treated as a file.
func NewSourceFromURI(uri string, log *slog.Logger) (interfaces.ArtifactSource, error) {
	if !strings.Contains(uri, "://") {
		return &FileSource{Path: uri}, nil
	}

	loc, err := interfaces.NewLocation(uri, "file", "http", "https", "s3", "ipfs", "github")
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case "file":
		return &FileSource{Path: loc.HostPath()}, nil
	case "http", "https":
		return &HTTPSource{URL: uri}, nil
	case "s3":
		key := strings.TrimPrefix(loc.Path, "/")
		if loc.Host == "" || key == "" {
			return nil, fmt.Errorf("%w: s3 artifacts need a bucket and key", interfaces.ErrInvalidLocationURI)
		}
		return NewS3Source(loc.Host, key, loc.GetParamDefault("region", "us-east-1"), loc.GetParam("endpoint"))
	case "ipfs":
		timeout, err := time.ParseDuration(loc.GetParamDefault("timeout", "30s"))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout: %v", interfaces.ErrInvalidLocationURI, err)
		}
		log.Debug("Loading artifact from IPFS", slog.String("cid", loc.HostPath()))
		return NewIPFSSource(loc.GetParamDefault("api", "127.0.0.1:5001"), loc.HostPath(), timeout), nil
	case "github":
		parts := strings.Split(strings.Trim(loc.Path, "/"), "/")
		if loc.Host == "" || len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("%w: github artifacts need owner/repo/blob", interfaces.ErrInvalidLocationURI)
		}
		source := NewGitHubSource(loc.Host, parts[0], parts[1], log)
		source.APIBase = loc.GetParamDefault("api", DefaultGitHubAPI)
		source.Token = os.Getenv("GITHUB_TOKEN")
		return source, nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxArtifactSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrExtractionFailed, err)
	}
	if len(data) > MaxArtifactSize {
		return nil, fmt.Errorf("%w: artifact exceeds %d bytes", interfaces.ErrExtractionFailed, MaxArtifactSize)
	}
	return data, nil
}

func nameFromPath(p, fallback string) string {
	base := path.Base(p)
	if base == "." || base == "/" || base == "" {
		return fallback
	}
	return base
}

var errNoSource = errors.New("no artifact source")

// Load is a convenience for loading an artifact straight from a URI.
func Load(ctx context.Context, uri string, log *slog.Logger) (interfaces.Artifact, error) {
	if uri == "" {
		return interfaces.Artifact{}, errNoSource
	}
	source, err := NewSourceFromURI(uri, log)
	if err != nil {
		return interfaces.Artifact{}, err
	}
	return source.Load(ctx)
}
