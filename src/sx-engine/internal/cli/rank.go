package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/parlakisik/service-exchange/src/sx-engine/internal/matching"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/model"
)

func init() {
	rankCmd.Flags().String("request", "", "path to a request JSON file")
	rankCmd.Flags().String("providers", "", "path to a JSON array of providers")
	_ = rankCmd.MarkFlagRequired("request")
	_ = rankCmd.MarkFlagRequired("providers")
	rootCmd.AddCommand(rankCmd)
}

var rankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Rank providers for a request offline",
	Long: `Rank scores every provider against the request and prints the ranking
as JSON. Each provider's completed_jobs field is used as its experience.`,
	RunE: runRank,
}

func runRank(cmd *cobra.Command, args []string) error {
	requestPath, _ := cmd.Flags().GetString("request")
	providersPath, _ := cmd.Flags().GetString("providers")

	var request model.Request
	if err := readJSON(requestPath, &request); err != nil {
		return err
	}
	var providers []model.Provider
	if err := readJSON(providersPath, &providers); err != nil {
		return err
	}

	candidates := make([]matching.Candidate, len(providers))
	for i, p := range providers {
		candidates[i] = matching.Candidate{Provider: p, CompletedJobs: p.CompletedJobs}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(matching.Rank(request, candidates))
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
