package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"predbot/config"
	"predbot/internal/domain"
	"predbot/internal/ports"
)

const recentActivityRows = 15

// printReport dumps active positions, exposure and the newest audit rows to
// stdout. It reads straight from the ledger so it works against a live
// engine's database as well as a stopped one.
func printReport(ctx context.Context, ledger ports.Ledger, cfg *config.Config) error {
	active, err := ledger.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("report: list active: %w", err)
	}

	fmt.Printf("\n[%s] %d active positions\n", time.Now().Format("15:04:05"), len(active))

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Agent", "Market", "Outcome", "Side", "State", "Size", "Entry", "Mark", "uPnL", "Cost")

	var totalExposure float64
	byAgent := make(map[string]float64)
	for _, p := range active {
		size := p.FilledSize
		if size == 0 {
			size = p.Size
		}
		table.Append(
			p.AgentID,
			p.MarketID,
			p.Outcome,
			string(p.Side),
			string(p.State),
			fmt.Sprintf("%.2f", size),
			fmt.Sprintf("%.3f", p.EntryPrice),
			fmt.Sprintf("%.3f", p.CurrentPrice),
			fmt.Sprintf("$%.2f", p.UnrealizedPnL),
			fmt.Sprintf("$%.2f", p.CostBasis),
		)
		totalExposure += p.CostBasis
		byAgent[p.AgentID] += p.CostBasis
	}
	table.Render()

	fmt.Printf("\nExposure: $%.2f / $%.2f global cap\n", totalExposure, cfg.Risk.GlobalExposureCap)
	for agent, amount := range byAgent {
		if cfg.Risk.AgentExposureCap > 0 {
			fmt.Printf("  %s: $%.2f / $%.2f\n", agent, amount, cfg.Risk.AgentExposureCap)
		} else {
			fmt.Printf("  %s: $%.2f\n", agent, amount)
		}
	}

	closed, err := ledger.ListByState(ctx, domain.StateClosed)
	if err != nil {
		return fmt.Errorf("report: list closed: %w", err)
	}
	settled, err := ledger.ListByState(ctx, domain.StateSettled)
	if err != nil {
		return fmt.Errorf("report: list settled: %w", err)
	}
	var realized float64
	for _, p := range closed {
		realized += p.RealizedPnL
	}
	for _, p := range settled {
		realized += p.RealizedPnL
	}
	fmt.Printf("\nRealized PnL: $%.2f over %d closed + %d settled positions\n",
		realized, len(closed), len(settled))

	acts, err := ledger.RecentActivity(ctx, recentActivityRows)
	if err != nil {
		return fmt.Errorf("report: recent activity: %w", err)
	}
	if len(acts) > 0 {
		fmt.Println("\nRecent activity:")
		at := tablewriter.NewWriter(os.Stdout)
		at.Header("At", "Position", "Kind", "Detail")
		for _, a := range acts {
			at.Append(
				a.At.Format("01-02 15:04:05"),
				shortID(a.PositionID),
				string(a.Kind),
				a.Detail,
			)
		}
		at.Render()
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
