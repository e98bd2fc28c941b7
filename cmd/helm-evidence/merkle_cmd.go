package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm-evidence/pkg/merkle"
)

func newMerkleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merkle",
		Short: "Build Merkle trees and inclusion proofs",
	}
	cmd.AddCommand(newMerkleBuildCmd(), newMerkleProofCmd(), newMerkleVerifyCmd())
	return cmd
}

func newMerkleBuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build HASH...",
		Short: "Build a tree over leaf hashes and print its summary",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := merkle.Build(args)
			if err != nil {
				return err
			}
			summary, err := tree.Summary()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summary)
		},
	}
}

func newMerkleProofCmd() *cobra.Command {
	var (
		index  int
		leaf   string
		format string
		out    string
	)

	cmd := &cobra.Command{
		Use:   "proof HASH...",
		Short: "Print the inclusion proof for one leaf",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := merkle.Build(args)
			if err != nil {
				return err
			}
			if leaf != "" {
				if index = tree.HashIndex(leaf); index < 0 {
					return fmt.Errorf("leaf %s is not in the tree", leaf)
				}
			}
			proof, err := tree.Proof(index)
			if err != nil {
				return err
			}

			switch format {
			case "json":
				return writeOutput(cmd.OutOrStdout(), out, proof)
			case "cbor":
				data, err := merkle.EncodeProofCBOR(proof)
				if err != nil {
					return err
				}
				if out == "" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				return os.WriteFile(out, data, 0o644)
			default:
				return usageErr("unknown format %q (want json or cbor)", format)
			}
		},
	}

	cmd.Flags().IntVar(&index, "index", 0, "Leaf index")
	cmd.Flags().StringVar(&leaf, "leaf", "", "Leaf hash (overrides --index)")
	cmd.Flags().StringVar(&format, "format", "json", "Proof encoding: json or cbor")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the proof to a file")
	return cmd
}

func newMerkleVerifyCmd() *cobra.Command {
	var (
		format string
		root   string
	)

	cmd := &cobra.Command{
		Use:   "verify PROOF_FILE",
		Short: "Verify an inclusion proof",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			var proof *merkle.Proof
			switch format {
			case "json":
				proof = new(merkle.Proof)
				if err := readJSON(args[0], proof); err != nil {
					return err
				}
			case "cbor":
				data, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				if proof, err = merkle.DecodeProofCBOR(data); err != nil {
					return err
				}
			default:
				return usageErr("unknown format %q (want json or cbor)", format)
			}

			w := cmd.OutOrStdout()
			if root != "" && root != proof.Root {
				_, _ = fmt.Fprintf(w, "INVALID: proof root %s does not match expected %s\n", proof.Root, root)
				return errFailed
			}
			if !merkle.VerifyProof(proof) {
				_, _ = fmt.Fprintln(w, "INVALID: proof does not reconstruct its root")
				return errFailed
			}
			_, err := fmt.Fprintf(w, "VALID: leaf %s at index %d under root %s\n", proof.LeafHash, proof.LeafIndex, proof.Root)
			return err
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "Proof encoding: json or cbor")
	cmd.Flags().StringVar(&root, "root", "", "Expected root hash")
	return cmd
}
