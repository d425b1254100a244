package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/trialquality/pkg/records"
)

var (
	studyCode     string
	studyName     string
	studyProtocol string
	studyPhase    string
)

var studyCmd = &cobra.Command{
	Use:   "study",
	Short: "Manage studies",
}

var studyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a study so extracts can be loaded against it",
	RunE:  runStudyCreate,
}

func init() {
	studyCreateCmd.Flags().StringVar(&studyCode, "code", "", "Study code (required)")
	studyCreateCmd.Flags().StringVar(&studyName, "name", "", "Study name (required)")
	studyCreateCmd.Flags().StringVar(&studyProtocol, "protocol", "", "Protocol number")
	studyCreateCmd.Flags().StringVar(&studyPhase, "phase", "", "Trial phase")
	_ = studyCreateCmd.MarkFlagRequired("code")
	_ = studyCreateCmd.MarkFlagRequired("name")

	studyCmd.AddCommand(studyCreateCmd)
}

func runStudyCreate(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	study := &records.Study{Code: studyCode, Name: studyName, ProtocolNumber: studyProtocol, Phase: studyPhase}
	if err := s.store.CreateStudy(cmd.Context(), study); err != nil {
		return fmt.Errorf("creating study: %w", err)
	}
	return printResult(study, fmt.Sprintf("Created study %s (%s)", study.Code, study.ID))
}
