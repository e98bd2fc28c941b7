package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm-evidence/pkg/hashing"
)

func newHashCmd() *cobra.Command {
	var (
		metadataPath string
		pisaHash     string
		asManifest   bool
	)

	cmd := &cobra.Command{
		Use:   "hash FILE...",
		Short: "Hash evidence files",
		Long: `Prints the SHA-256 digest of each file. With --manifest the files and
metadata are processed into a hashes.json manifest instead.`,
		Args: usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := readFiles(args)
			if err != nil {
				return err
			}
			gen := hashing.NewGenerator()
			out := cmd.OutOrStdout()

			if !asManifest {
				for _, path := range args {
					name := filepath.Base(path)
					res, err := gen.HashFile(files[name], name)
					if err != nil {
						return err
					}
					if _, err := fmt.Fprintf(out, "%s  %s\n", res.Hash, path); err != nil {
						return err
					}
				}
				return nil
			}

			md, err := readMetadata(metadataPath)
			if err != nil {
				return err
			}
			m, err := gen.ProcessEvidence(files, md, pisaHash, nil)
			if err != nil {
				return err
			}
			return writeJSON(out, m)
		},
	}

	cmd.Flags().BoolVar(&asManifest, "manifest", false, "Output a hashes.json manifest")
	cmd.Flags().StringVar(&metadataPath, "metadata", "", "Metadata JSON object for --manifest")
	cmd.Flags().StringVar(&pisaHash, "pisa", "", "PISA chain hash to embed with --manifest")
	return cmd
}
