package attestation

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	appcommon "github.com/ruteri/tee-artifact-attestation/common"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

// RegistryABI is the attestation registry entry point.
const RegistryABI = `[{"type":"function","name":"attest","stateMutability":"nonpayable","inputs":[{"name":"digest","type":"bytes32"},{"name":"signature","type":"bytes"},{"name":"publicKey","type":"bytes"}],"outputs":[]}]`

// Onchain records attestations by calling attest(bytes32,bytes,bytes) on a registry
// contract. The transaction hash is the reference.
type Onchain struct {
	contract *bind.BoundContract
	address  common.Address
	auth     *bind.TransactOpts
	log      *slog.Logger

	// Transactions from one account need consecutive nonces.
	mu sync.Mutex
}

func NewOnchain(client bind.ContractBackend, address common.Address, auth *bind.TransactOpts, log *slog.Logger) (*Onchain, error) {
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		return nil, fmt.Errorf("could not parse registry ABI: %w", err)
	}

	return &Onchain{
		contract: bind.NewBoundContract(address, parsed, client, client, client),
		address:  address,
		auth:     auth,
		log:      appcommon.LoggerOrDiscard(log),
	}, nil
}

func (o *Onchain) Attest(ctx context.Context, req interfaces.AttestationRequest) (string, error) {
	digestBytes, err := hex.DecodeString(strings.TrimPrefix(req.Digest, "0x"))
	if err != nil || len(digestBytes) != 32 {
		return "", fmt.Errorf("%w: digest is not a 32 byte hex string", interfaces.ErrAttestationRejected)
	}
	var digest [32]byte
	copy(digest[:], digestBytes)

	o.mu.Lock()
	defer o.mu.Unlock()

	opts := *o.auth
	opts.Context = ctx

	tx, err := o.contract.Transact(&opts, "attest", digest, decodeOpaque(req.Signature), decodeOpaque(req.PublicKey))
	if err != nil {
		o.log.Error("Failed to submit attestation transaction",
			slog.String("registry", o.address.Hex()),
			"err", err)
		if isUnreachable(ctx, err) {
			return "", fmt.Errorf("%w: %w", interfaces.ErrAttestationUnreachable, err)
		}
		return "", fmt.Errorf("%w: %w", interfaces.ErrAttestationRejected, err)
	}

	o.log.Info("Submitted attestation transaction",
		slog.String("registry", o.address.Hex()),
		slog.String("tx", tx.Hash().Hex()))
	return tx.Hash().Hex(), nil
}

// decodeOpaque returns the decoded bytes of a base64 value, or the raw string bytes for
// values that are not base64 such as simulated placeholders.
func decodeOpaque(s string) []byte {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b
	}
	return []byte(s)
}

func isUnreachable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
