package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm-evidence/pkg/config"
	"github.com/Mindburn-Labs/helm-evidence/pkg/manifest"
)

func newManifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect hashes.json manifests",
	}
	cmd.AddCommand(newManifestVerifyCmd())
	return cmd
}

type manifestReport struct {
	Valid        bool                `json:"valid"`
	Version      string              `json:"version"`
	CombinedHash string              `json:"combinedHash"`
	Errors       []string            `json:"errors,omitempty"`
	Mismatches   []manifest.Mismatch `json:"mismatches,omitempty"`
	Signature    string              `json:"signature,omitempty"`
}

func newManifestVerifyCmd() *cobra.Command {
	var (
		dir     string
		token   string
		caseID  string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "verify MANIFEST",
		Short: "Validate a manifest and recompute its combined hash",
		Long: `Validates MANIFEST against the hashes.json schema, checks the version and
recomputes the combined hash. With --dir the artifacts are re-hashed and
compared. With --signature and --case the JWS is checked against the case key
derived from SIGNING_SEED_HEX.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (token == "") != (caseID == "") {
				return usageErr("--signature and --case go together")
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			rep := &manifestReport{}
			m, err := manifest.Validate(data)
			if err != nil {
				rep.Errors = append(rep.Errors, err.Error())
				return finishManifestReport(cmd, rep, jsonOut)
			}
			rep.Version = m.Version
			rep.CombinedHash = m.CombinedHash

			if err := manifest.Verify(m); err != nil {
				rep.Errors = append(rep.Errors, err.Error())
			}
			if dir != "" {
				files, err := readDir(dir)
				if err != nil {
					return err
				}
				rep.Mismatches = manifest.VerifyFiles(m, files)
			}
			if token != "" {
				seed, err := config.Load().SigningSeed()
				if err != nil {
					return err
				}
				if seed == nil {
					return errors.New("SIGNING_SEED_HEX is required to check signatures")
				}
				signer, err := manifest.NewSigner(seed, caseID)
				if err != nil {
					return err
				}
				if _, err := signer.Verifier().Verify(token, m); err != nil {
					rep.Signature = "invalid"
					rep.Errors = append(rep.Errors, err.Error())
				} else {
					rep.Signature = "valid"
				}
			}
			return finishManifestReport(cmd, rep, jsonOut)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Directory of evidence files to compare")
	cmd.Flags().StringVar(&token, "signature", "", "Compact JWS over the manifest")
	cmd.Flags().StringVar(&caseID, "case", "", "Case identifier the signature was made for")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output result as JSON")
	return cmd
}

func finishManifestReport(cmd *cobra.Command, rep *manifestReport, jsonOut bool) error {
	rep.Valid = len(rep.Errors) == 0 && len(rep.Mismatches) == 0
	w := cmd.OutOrStdout()

	if jsonOut {
		if err := writeJSON(w, rep); err != nil {
			return err
		}
	} else {
		for _, e := range rep.Errors {
			_, _ = fmt.Fprintf(w, "  error: %s\n", e)
		}
		for _, mm := range rep.Mismatches {
			_, _ = fmt.Fprintf(w, "  %s: %s\n", mm.Kind, mm.FileName)
		}
		if rep.Valid {
			_, _ = fmt.Fprintf(w, "VALID: combined hash %s\n", rep.CombinedHash)
		} else {
			_, _ = fmt.Fprintln(w, "INVALID")
		}
	}

	if !rep.Valid {
		return errFailed
	}
	return nil
}
