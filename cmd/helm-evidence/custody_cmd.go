package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm-evidence/pkg/custody"
	"github.com/Mindburn-Labs/helm-evidence/pkg/manifest"
	"github.com/Mindburn-Labs/helm-evidence/pkg/observability"
)

// withRuntime runs fn against a freshly wired runtime and closes it after.
func withRuntime(cmd *cobra.Command, persist bool, fn func(ctx context.Context, rt *runtime) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := newRuntime(ctx, cmd.ErrOrStderr(), persist)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, rt)
}

func newSealCmd() *cobra.Command {
	var (
		caseID       string
		dir          string
		metadataPath string
		pisaHash     string
		out          string
		upload       bool
	)

	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal an evidence directory into a signed package",
		Long: `Hashes every file under --dir together with the metadata, builds the
Merkle tree and inclusion proofs, and signs the manifest when SIGNING_SEED_HEX
is set. With --upload the artifacts and manifest are written to the
configured artifact store and recorded in the manifest index.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if caseID == "" || dir == "" {
				return usageErr("--case and --dir are required")
			}
			files, err := readDir(dir)
			if err != nil {
				return err
			}
			md, err := readMetadata(metadataPath)
			if err != nil {
				return err
			}

			return withRuntime(cmd, upload, func(ctx context.Context, rt *runtime) (err error) {
				ctx, finish := rt.obs.TrackOperation(ctx, "evidence.seal", observability.AttrCaseID.String(caseID))
				defer func() { finish(err) }()

				pkg, err := rt.sealer.Seal(ctx, caseID, files, md, pisaHash)
				if err != nil {
					return err
				}
				observability.AddSpanEvent(ctx, "sealed",
					observability.SealOperation(caseID, pkg.Manifest.CombinedHash, pkg.MerkleRoot, len(files))...)
				if !upload {
					return writeOutput(cmd.OutOrStdout(), out, pkg)
				}

				receipt, err := rt.sealer.Upload(ctx, pkg, files)
				if err != nil {
					return err
				}
				if out == "" {
					return writeJSON(cmd.OutOrStdout(), struct {
						Package *custody.Package       `json:"package"`
						Upload  *custody.UploadReceipt `json:"upload"`
					}{pkg, receipt})
				}
				if err := writeOutput(cmd.OutOrStdout(), out, pkg); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), receipt)
			})
		},
	}

	cmd.Flags().StringVar(&caseID, "case", "", "Case identifier (REQUIRED)")
	cmd.Flags().StringVar(&dir, "dir", "", "Directory of evidence files (REQUIRED)")
	cmd.Flags().StringVar(&metadataPath, "metadata", "", "Metadata JSON object")
	cmd.Flags().StringVar(&pisaHash, "pisa", "", "PISA chain hash")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the package to a file")
	cmd.Flags().BoolVar(&upload, "upload", false, "Store artifacts and index the manifest")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var (
		pkgPath string
		dir     string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a sealed package",
		Long: `Re-checks the combined hash, every inclusion proof, the signature when
SIGNING_SEED_HEX is set, and the artifacts under --dir when given.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if pkgPath == "" {
				return usageErr("--package is required")
			}
			var pkg custody.Package
			if err := readJSON(pkgPath, &pkg); err != nil {
				return err
			}
			var files map[string][]byte
			if dir != "" {
				var err error
				if files, err = readDir(dir); err != nil {
					return err
				}
			}

			return withRuntime(cmd, false, func(ctx context.Context, rt *runtime) error {
				rep, err := rt.sealer.Verify(ctx, &pkg, files)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
				if !rep.OK() {
					return errFailed
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&pkgPath, "package", "", "Sealed package JSON (REQUIRED)")
	cmd.Flags().StringVar(&dir, "dir", "", "Directory of evidence files to compare")
	return cmd
}

func newFetchCmd() *cobra.Command {
	var (
		combinedHash string
		outDir       string
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Restore the artifacts of an indexed package",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if combinedHash == "" || outDir == "" {
				return usageErr("--combined-hash and --out are required")
			}

			return withRuntime(cmd, true, func(ctx context.Context, rt *runtime) error {
				rec, err := rt.index.GetByCombinedHash(ctx, combinedHash)
				if err != nil {
					return err
				}
				m, err := manifest.Validate(rec.ManifestJSON)
				if err != nil {
					return err
				}
				files, err := rt.sealer.Fetch(ctx, m)
				if err != nil {
					return err
				}
				for name, data := range files {
					if !filepath.IsLocal(filepath.FromSlash(name)) {
						return fmt.Errorf("refusing to restore %q outside %s", name, outDir)
					}
					path := filepath.Join(outDir, filepath.FromSlash(name))
					if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
						return err
					}
					if err := os.WriteFile(path, data, 0o644); err != nil {
						return err
					}
				}
				if err := os.WriteFile(filepath.Join(outDir, "hashes.json"), rec.ManifestJSON, 0o644); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "restored %d artifacts of case %s into %s\n", len(files), rec.CaseID, outDir)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&combinedHash, "combined-hash", "", "Combined hash of the package (REQUIRED)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Output directory (REQUIRED)")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		caseID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List indexed packages, newest first",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, true, func(ctx context.Context, rt *runtime) error {
				recs, err := rt.index.List(ctx, caseID, limit)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, r := range recs {
					if _, err := fmt.Fprintf(w, "%s  %s  %s  %s\n",
						r.RecordedAt.UTC().Format("2006-01-02T15:04:05Z"), r.CaseID, r.CombinedHash, r.ID); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&caseID, "case", "", "Only this case")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum records (default 100)")
	return cmd
}
