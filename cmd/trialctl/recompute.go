package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Recompute site DQI and evaluate alerts",
}

var recomputeSiteCmd = &cobra.Command{
	Use:   "site <site-id>",
	Short: "Recompute one site",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecomputeSite,
}

var recomputeAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Recompute every active site",
	Args:  cobra.NoArgs,
	RunE:  runRecomputeAll,
}

func init() {
	recomputeCmd.AddCommand(recomputeSiteCmd)
	recomputeCmd.AddCommand(recomputeAllCmd)
}

func runRecomputeSite(cmd *cobra.Command, args []string) error {
	siteID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid site id %q", args[0])
	}
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	result, err := s.coord.RecomputeSite(cmd.Context(), siteID)
	if err != nil {
		return err
	}
	return printResult(result, fmt.Sprintf("Site %s: DQI %.2f (%s)", siteID, result.Score, result.Band))
}

func runRecomputeAll(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	n, err := s.coord.RecomputeAllActiveSites(cmd.Context())
	if err != nil {
		return err
	}
	return printResult(map[string]int{"recomputed": n}, fmt.Sprintf("Recomputed %d sites", n))
}
