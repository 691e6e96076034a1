package artifact

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/tee-artifact-attestation/common"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

// DefaultGitHubAPI is the GitHub REST endpoint.
const DefaultGitHubAPI = "https://api.github.com"

// GitHubSource loads an artifact committed to a GitHub repository by its git blob SHA.
type GitHubSource struct {
	owner   string
	repo    string
	blobSHA string

	APIBase string
	Token   string
	client  *http.Client
	log     *slog.Logger
}

type gitHubBlob struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	SHA      string `json:"sha"`
	Size     int    `json:"size"`
}

func NewGitHubSource(owner, repo, blobSHA string, log *slog.Logger) *GitHubSource {
	return &GitHubSource{
		owner:   owner,
		repo:    repo,
		blobSHA: strings.ToLower(blobSHA),
		APIBase: DefaultGitHubAPI,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     common.LoggerOrDiscard(log),
	}
}

func (s *GitHubSource) Load(ctx context.Context) (interfaces.Artifact, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/git/blobs/%s", strings.TrimSuffix(s.APIBase, "/"), s.owner, s.repo, s.blobSHA)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return interfaces.Artifact{}, fmt.Errorf("%w: %w", interfaces.ErrExtractionFailed, err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return interfaces.Artifact{}, fmt.Errorf("%w: %w", interfaces.ErrExtractionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return interfaces.Artifact{}, fmt.Errorf("%w: GitHub API error: %s, %s", interfaces.ErrExtractionFailed, resp.Status, string(body))
	}

	var blob gitHubBlob
	if err := json.NewDecoder(io.LimitReader(resp.Body, 2*MaxArtifactSize)).Decode(&blob); err != nil {
		return interfaces.Artifact{}, fmt.Errorf("%w: failed to decode blob: %w", interfaces.ErrExtractionFailed, err)
	}
	if blob.Encoding != "base64" {
		return interfaces.Artifact{}, fmt.Errorf("%w: unexpected blob encoding: %s", interfaces.ErrExtractionFailed, blob.Encoding)
	}

	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(blob.Content, "\n", ""))
	if err != nil {
		return interfaces.Artifact{}, fmt.Errorf("%w: failed to decode blob content: %w", interfaces.ErrExtractionFailed, err)
	}

	if actual := gitBlobSHA(data); actual != s.blobSHA {
		s.log.Warn("Blob hash mismatch", slog.String("expected", s.blobSHA), slog.String("actual", actual))
		return interfaces.Artifact{}, fmt.Errorf("%w: blob hash mismatch", interfaces.ErrExtractionFailed)
	}

	s.log.Debug("Fetched artifact from GitHub", slog.String("blob", s.blobSHA), slog.Int("size", len(data)))
	return interfaces.NewArtifact(s.blobSHA, data), nil
}

func (s *GitHubSource) LocationURI() string {
	return fmt.Sprintf("github://%s/%s/%s", s.owner, s.repo, s.blobSHA)
}

// gitBlobSHA is the object id git assigns to a blob.
func gitBlobSHA(data []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(data))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
