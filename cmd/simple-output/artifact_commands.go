package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-output/pkg/simpleoutput"
)

func newUploadCommand(ctx *commandContext) *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Store a local file as an artifact",
		Long:  "Store a local file as an artifact. Conversion is left to a running server unless --convert is given.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			convert, _ := cmd.Flags().GetBool("convert")

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			svc, cleanup, err := ctx.service(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := svc.Upload(cmd.Context(), simpleoutput.UploadRequest{
				Root:     root,
				FileName: filepath.Base(args[0]),
				Reader:   f,
			})
			if err != nil {
				return err
			}
			a := res.Artifact
			if convert {
				if a, err = svc.ConvertArtifact(cmd.Context(), a.ID); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderArtifacts([]*simpleoutput.Artifact{a}))
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", simpleoutput.DefaultRoot, "Output root")
	cmd.Flags().Bool("convert", false, "Convert immediately instead of waiting for a server")
	return cmd
}

func newArtifactsCommand(ctx *commandContext) *cobra.Command {
	var root string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "artifacts [id]",
		Short: "List artifacts or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := ctx.service(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			var artifacts []*simpleoutput.Artifact
			if len(args) == 1 {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid artifact id %q: %w", args[0], err)
				}
				a, err := svc.GetArtifact(cmd.Context(), id)
				if err != nil {
					return err
				}
				artifacts = append(artifacts, a)
			} else {
				artifacts, err = svc.ListArtifacts(cmd.Context(), root)
				if err != nil {
					return err
				}
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(artifacts)
			}
			if len(artifacts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No artifacts")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderArtifacts(artifacts))
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", simpleoutput.DefaultRoot, "Output root")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newConvertCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "convert <id>",
		Short: "Convert a stored artifact now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid artifact id %q: %w", args[0], err)
			}

			svc, cleanup, err := ctx.service(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			a, err := svc.ConvertArtifact(cmd.Context(), id)
			if a != nil {
				fmt.Fprintln(cmd.OutOrStdout(), renderArtifacts([]*simpleoutput.Artifact{a}))
			}
			return err
		},
	}
}

func renderArtifacts(artifacts []*simpleoutput.Artifact) string {
	rows := make([][]string, 0, len(artifacts))
	for _, a := range artifacts {
		detail := a.OutputPath
		if a.Status == simpleoutput.ArtifactStatusFailed {
			detail = a.Error
		}
		rows = append(rows, []string{
			a.ID.String(),
			a.Root,
			a.StoredName,
			humanize.Bytes(uint64(a.Size)),
			string(a.Status),
			detail,
			humanize.Time(a.CreatedAt),
		})
	}
	return renderTable(
		[]string{"ID", "Root", "Stored Name", "Size", "Status", "Output / Error", "Uploaded"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
	)
}
