package attestation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	files "github.com/ipfs/boxo/files"
	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/tee-artifact-attestation/common"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

// IPFS pins the JSON encoded submission to an IPFS node. The CID is the reference.
type IPFS struct {
	shell *shell.Shell
	host  string
	log   *slog.Logger
}

// NewIPFS connects to the IPFS HTTP API at host:port.
func NewIPFS(apiAddr string, timeout time.Duration, log *slog.Logger) *IPFS {
	sh := shell.NewShell(apiAddr)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}
	return &IPFS{shell: sh, host: apiAddr, log: common.LoggerOrDiscard(log)}
}

type ipfsRecord struct {
	interfaces.AttestationRequest
	SubmittedAt time.Time `json:"submitted_at"`
}

func (p *IPFS) Attest(ctx context.Context, req interfaces.AttestationRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", interfaces.ErrAttestationUnreachable, err)
	}

	data, err := json.Marshal(ipfsRecord{AttestationRequest: req, SubmittedAt: time.Now().UTC()})
	if err != nil {
		return "", fmt.Errorf("%w: %w", interfaces.ErrAttestationRejected, err)
	}

	start := time.Now()
	cid, err := p.add(ctx, data)
	if err != nil {
		p.log.Error("Failed to add attestation to IPFS", slog.String("host", p.host), "err", err)
		var ipfsErr *shell.Error
		if errors.As(err, &ipfsErr) {
			return "", fmt.Errorf("%w: %w", interfaces.ErrAttestationRejected, err)
		}
		return "", fmt.Errorf("%w: %w", interfaces.ErrAttestationUnreachable, err)
	}

	cid = strings.TrimSpace(cid)
	if cid == "" {
		return "", fmt.Errorf("%w: empty CID", interfaces.ErrAttestationRejected)
	}

	p.log.Info("Pinned attestation to IPFS",
		slog.String("cid", cid),
		slog.Duration("duration", time.Since(start)))
	return cid, nil
}

type addResult struct {
	Hash string
}

// add is shell.Add bound to ctx. Paths are always percent encoded, which needs kubo 0.23
// or newer, so the version lookup shell.Add does first is skipped.
func (p *IPFS) add(ctx context.Context, data []byte) (string, error) {
	dir := files.NewSliceDirectory([]files.DirEntry{files.FileEntry("", files.NewReaderFile(bytes.NewReader(data)))})

	rb := p.shell.Request("add")
	if err := shell.Pin(true)(rb); err != nil {
		return "", err
	}

	var out addResult
	if err := rb.Body(files.NewMultiFileReader(dir, true, false)).Exec(ctx, &out); err != nil {
		return "", err
	}
	return out.Hash, nil
}
