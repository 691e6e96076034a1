package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/ruteri/tee-artifact-attestation/artifact"
	"github.com/ruteri/tee-artifact-attestation/cmd/flags"
	"github.com/ruteri/tee-artifact-attestation/digest"
	"github.com/ruteri/tee-artifact-attestation/pipeline"
	"github.com/ruteri/tee-artifact-attestation/providers"
	"github.com/urfave/cli/v2"
)

var artifactFlag = &cli.StringFlag{
	Name:     "artifact",
	Required: true,
	Usage:    "artifact location: a path, file://, s3://bucket/key, ipfs://CID or http(s):// URL",
}

func main() {
	app := &cli.App{
		Name:  "attestctl",
		Usage: "Sign and attest artifacts with the secure element",
		Flags: append(append([]cli.Flag{}, flags.LogFlags...), flags.ProviderFlags...),
		Commands: []*cli.Command{
			{
				Name:   "probe",
				Usage:  "Probe the secure element and show the selected providers",
				Action: probe,
			},
			{
				Name:  "key",
				Usage: "Manage the signing keypair",
				Subcommands: []*cli.Command{
					{Name: "show", Usage: "Show the keypair state and public key", Action: keyShow},
					{Name: "init", Usage: "Generate the keypair unless it exists", Action: keyInit},
					{Name: "delete", Usage: "Delete the keypair from the element and the key store", Action: keyDelete},
				},
			},
			{
				Name:   "run",
				Usage:  "Digest, sign and attest an artifact",
				Flags:  []cli.Flag{artifactFlag},
				Action: run,
			},
			{
				Name:      "digest",
				Usage:     "Print the digest and format of an artifact",
				ArgsUsage: "<location>",
				Action:    digestCmd,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func selectProviders(cCtx *cli.Context) (*providers.Bundle, error) {
	logger := flags.SetupLogger(cCtx)

	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		return nil, err
	}
	return flags.BuildBundle(cCtx.Context, cCtx, cfg, nil, logger)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func probe(cCtx *cli.Context) error {
	bundle, err := selectProviders(cCtx)
	if err != nil {
		return err
	}

	return printJSON(map[string]any{
		"key_state":       bundle.KeyState,
		"hardware_backed": bundle.HardwareBacked,
		"has_keypair":     bundle.Keys.HasKeypair(),
	})
}

func keyShow(cCtx *cli.Context) error {
	bundle, err := selectProviders(cCtx)
	if err != nil {
		return err
	}

	if !bundle.Keys.HasKeypair() {
		fmt.Printf("state: %s\nno keypair\n", bundle.Keys.State())
		return nil
	}
	return printKey(bundle)
}

func keyInit(cCtx *cli.Context) error {
	bundle, err := selectProviders(cCtx)
	if err != nil {
		return err
	}

	if _, err := bundle.Keys.EnsureKeypair(cCtx.Context); err != nil {
		return err
	}
	return printKey(bundle)
}

func printKey(bundle *providers.Bundle) error {
	pub, ok := bundle.Keys.PublicKey()
	if !ok {
		return errors.New("no keypair loaded")
	}
	fp := pub.Fingerprint()
	fmt.Printf("state: %s\ntag: %s\nfingerprint: %x\n%s", bundle.Keys.State(), bundle.Keys.Tag(), fp[:], pub.PEM())
	return nil
}

func keyDelete(cCtx *cli.Context) error {
	bundle, err := selectProviders(cCtx)
	if err != nil {
		return err
	}

	if err := bundle.Keys.DeleteKeypair(cCtx.Context); err != nil {
		return err
	}
	fmt.Printf("state: %s\n", bundle.Keys.State())
	return nil
}

func run(cCtx *cli.Context) error {
	bundle, err := selectProviders(cCtx)
	if err != nil {
		return err
	}

	logger := flags.SetupLogger(cCtx)
	a, err := artifact.Load(cCtx.Context, cCtx.String(artifactFlag.Name), logger)
	if err != nil {
		return err
	}

	controller := pipeline.FromBundle(bundle, pipeline.WithLogger(logger))
	rec, err := controller.Run(cCtx.Context, a)
	if err != nil {
		if state := controller.State(); state.LastError != nil {
			return fmt.Errorf("%s failed in stage %s (%s): %w", a.Name, state.LastError.Stage, state.LastError.Category, err)
		}
		return err
	}

	return printJSON(rec)
}

func digestCmd(cCtx *cli.Context) error {
	if cCtx.NArg() != 1 {
		return cli.ShowSubcommandHelp(cCtx)
	}

	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		return err
	}

	hasher, err := digest.NewHasher(digest.Algorithm(cfg.Digest.Algorithm))
	if err != nil {
		return err
	}

	a, err := artifact.Load(cCtx.Context, cCtx.Args().First(), flags.SetupLogger(cCtx))
	if err != nil {
		return err
	}

	d, err := digest.Bytes(cCtx.Context, hasher, a.Data)
	if err != nil {
		return err
	}

	return printJSON(map[string]any{
		"name":      a.Name,
		"algorithm": hasher.Algorithm(),
		"digest":    d,
		"info":      artifact.Inspect(a.Data),
	})
}
