package enclave

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/tee-artifact-attestation/common"
	"github.com/ruteri/tee-artifact-attestation/interfaces"
)

// NewFromURI creates a secure element from a location URI:
//
//	vault://vault.example.com:8200/transit[?tls=false][&insecure=true]
//	memory://[?disabled=true]
//	none://
//
// The Vault token is passed separately so that it never ends up in configuration dumps.
func NewFromURI(uri, vaultToken string, log *slog.Logger) (interfaces.SecureElement, error) {
	loc, err := interfaces.NewLocation(uri, "vault", "memory", "none")
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case "vault":
		scheme := "https"
		if loc.GetParam("tls") == "false" {
			scheme = "http"
		}
		client, err := common.NewVaultClient(common.VaultOpts{
			Address:            fmt.Sprintf("%s://%s", scheme, loc.Host),
			Token:              vaultToken,
			InsecureSkipVerify: loc.GetParamBool("insecure"),
		})
		if err != nil {
			return nil, err
		}
		return NewVaultTransit(client, strings.Trim(loc.Path, "/"), log), nil
	case "memory":
		if loc.GetParamBool("disabled") {
			return NewMemory(Disabled()), nil
		}
		return NewMemory(), nil
	case "none":
		return Unavailable{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}
