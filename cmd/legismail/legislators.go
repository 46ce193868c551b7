package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/legismail/internal/filter"
	"github.com/foxzi/legismail/internal/ingest"
	"github.com/foxzi/legismail/internal/models"
)

var (
	filterName  string
	filterParty string
	filterState string
	filterRole  string
	listOutput  string
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a legislator spreadsheet (.csv, .xls, .xlsx), replacing the current set",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var legislatorsCmd = &cobra.Command{
	Use:     "legislators",
	Aliases: []string{"ls"},
	Short:   "List stored legislators",
	RunE:    runLegislators,
}

var facetsCmd = &cobra.Command{
	Use:   "facets",
	Short: "Show the parties, states and roles present in the stored set",
	RunE:  runFacets,
}

func init() {
	addFilterFlags(legislatorsCmd)
	legislatorsCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "Output format (table, csv, json)")

	legislatorsCmd.AddCommand(facetsCmd)
	rootCmd.AddCommand(importCmd, legislatorsCmd)
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&filterName, "name", "", "Filter by name substring")
	cmd.Flags().StringVar(&filterParty, "party", "", "Filter by party")
	cmd.Flags().StringVar(&filterState, "state", "", "Filter by state (UF)")
	cmd.Flags().StringVar(&filterRole, "role", "", "Filter by role (deputy, senator)")
}

func criteriaFromFlags() models.Criteria {
	c := models.Criteria{Name: filterName, Party: filterParty, State: filterState}
	if filterRole != "" {
		c.Role = models.ParseRole(filterRole)
	}
	return c
}

func runImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.Service().Import(context.Background(), args[0], f)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d legislators loaded (profile %s)\n", len(result.Legislators), result.Profile)
	if n := filter.MissingEmail(result.Legislators); n > 0 {
		fmt.Fprintf(out, "  %d without email will be skipped when sending\n", n)
	}
	if result.Skipped > 0 {
		fmt.Fprintf(out, "  %d rows skipped:\n", result.Skipped)
		for _, issue := range result.Issues {
			fmt.Fprintf(out, "    line %d: %s\n", issue.Line, issue.Reason)
		}
	}
	return nil
}

func runLegislators(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.Service().Legislators(context.Background(), criteriaFromFlags())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch listOutput {
	case "csv":
		return ingest.WriteCSV(out, records)
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case "table":
	default:
		return fmt.Errorf("unknown output format: %s", listOutput)
	}

	if len(records) == 0 {
		fmt.Fprintln(out, "No legislators match")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPARTY\tUF\tROLE\tEMAIL")
	for _, l := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", l.ID, l.Name, l.Party, l.State, l.Role.Title(), l.Email)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d legislators\n", len(records))
	return nil
}

func runFacets(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	facets, err := a.Service().Facets(context.Background())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Parties: %v\n", facets.Parties)
	fmt.Fprintf(out, "States:  %v\n", facets.States)
	fmt.Fprintf(out, "Roles:   %v\n", facets.Roles)
	return nil
}
