package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zheng/svcgraph/internal/storage"
)

func riskCmd() *cobra.Command {
	var limit int
	var jsonOut bool
	var noColor bool
	var selectN int

	cmd := &cobra.Command{
		Use:   "risk [service]",
		Short: "Rank services by exposure risk",
		Long: `Assess how exposed a service is. Without an argument the riskiest
vulnerable or tainted services are listed.

Risk levels:
  - critical: vulnerable, reaches a data sink and is reachable from a public entry point
  - high:     vulnerable and reaches a data sink
  - medium:   vulnerable, or on a path through a vulnerable service
  - low:      everything else

Examples:
  svcgraph risk               # top 20
  svcgraph risk orders        # one service`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			p := palette(out, noColor)

			if len(args) == 0 {
				risks, err := db.GetTopRiskyServices(limit)
				if err != nil {
					return fmt.Errorf("query failed: %w", err)
				}
				if jsonOut {
					return outputJSON(out, risks)
				}
				if len(risks) == 0 {
					fmt.Fprintln(out, "No vulnerable or tainted services")
					return nil
				}

				fmt.Fprintf(out, "Riskiest services (top %d)\n\n", len(risks))
				for _, r := range risks {
					fmt.Fprintf(out, "%s %s  %s\n", riskIcon(r.RiskLevel), p.Risk(r.RiskLevel)+strings.Repeat(" ", 8-len(r.RiskLevel)), r.Service.Name)
					fmt.Fprintf(out, "             vulns: %d  callers: %d  entry points: %d  sinks: %d\n\n",
						r.Vulnerabilities, r.TotalCallers, r.EntryPoints, r.ReachableSinks)
				}
				fmt.Fprintln(out, "Use svcgraph risk <service> for details")
				return nil
			}

			target, err := resolveService(db, args[0], selectN)
			if err != nil {
				return err
			}
			risk, err := db.GetRiskScore(target.ID)
			if err != nil {
				return fmt.Errorf("failed to compute risk: %w", err)
			}
			if jsonOut {
				return outputJSON(out, risk)
			}

			fmt.Fprintf(out, "## Risk: %s\n\n", risk.Service.Name)
			fmt.Fprintf(out, "Level: %s %s\n\n", riskIcon(risk.RiskLevel), p.Risk(risk.RiskLevel))
			fmt.Fprintf(out, "Vulnerabilities:  %d\n", risk.Vulnerabilities)
			fmt.Fprintf(out, "Direct callers:   %d\n", risk.DirectCallers)
			fmt.Fprintf(out, "All callers:      %d\n", risk.TotalCallers)
			fmt.Fprintf(out, "Entry points:     %d\n", risk.EntryPoints)
			fmt.Fprintf(out, "Reachable sinks:  %d\n", risk.ReachableSinks)

			fmt.Fprintln(out, "\nAdvice:")
			switch risk.RiskLevel {
			case storage.RiskCritical:
				fmt.Fprintln(out, "- Public traffic can reach this vulnerability and it can reach stored data")
				fmt.Fprintln(out, "- Fix first, then run `svcgraph impact` to review the full path")
			case storage.RiskHigh:
				fmt.Fprintln(out, "- The vulnerability can reach stored data")
				fmt.Fprintln(out, "- Check which entry points call it with `svcgraph upstream`")
			case storage.RiskMedium:
				fmt.Fprintln(out, "- The service is vulnerable or sits on a path through a vulnerable service")
			default:
				fmt.Fprintln(out, "- Nothing on its paths is known to be vulnerable")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of services to rank (0=all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colours")
	cmd.Flags().IntVar(&selectN, "select", 0, "pick the Nth match when the name is ambiguous")

	return cmd
}

func riskIcon(level string) string {
	switch level {
	case storage.RiskCritical:
		return "🔴"
	case storage.RiskHigh:
		return "🟠"
	case storage.RiskMedium:
		return "🟡"
	default:
		return "🟢"
	}
}
