package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/trialquality/pkg/ingestion"
)

var (
	ingestStudy string
	ingestType  string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Load EDC extracts and recompute the affected study",
	Long: `Load one or more CSV or Excel extracts of the same type into a study.
Each file is processed like an upload: rows are applied individually, then
site DQI, patient status and alerts are recomputed.

File types: ` + fileTypeList(),
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestStudy, "study", "", "Study id or code (required)")
	ingestCmd.Flags().StringVarP(&ingestType, "type", "t", "", "Extract file type (required)")
	_ = ingestCmd.MarkFlagRequired("study")
	_ = ingestCmd.MarkFlagRequired("type")
}

func fileTypeList() string {
	types := ingestion.FileTypes()
	names := make([]string, len(types))
	for i, ft := range types {
		names[i] = string(ft)
	}
	return strings.Join(names, ", ")
}

func runIngest(cmd *cobra.Command, args []string) error {
	if _, err := ingestion.ParseFileType(ingestType); err != nil {
		return err
	}
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	failed := 0
	for _, path := range args {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		summary, err := s.coord.ProcessUpload(cmd.Context(), f, filepath.Base(path), ingestType, ingestStudy)
		f.Close()
		if err != nil {
			return err
		}
		if !summary.Success {
			failed++
		}

		text := fmt.Sprintf("%s: %d rows processed, %d sites scored, %d patients rated",
			path, summary.RowsProcessed, summary.SitesScored, summary.PatientsRated)
		if summary.ErrorText != "" {
			text += "\n" + summary.ErrorText
		}
		if err := printResult(summary, text); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files rejected", failed, len(args))
	}
	return nil
}
