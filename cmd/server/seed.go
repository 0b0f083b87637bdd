/*
seed.go - Reference data and demo movements

PURPOSE:
  Populates a fresh database so the web client has something to show.

AVAILABLE SCENARIOS:
  reference:  Bases and equipment types only. Safe to re-run (upsert).
  demo:       Reference data plus a month of purchases, transfers,
              assignments and expenditures dated relative to today.

NOTE:
  Movements are appended, never replaced. The demo scenario refuses to
  run against a non-empty log. --reset wipes the database first and is
  only accepted when app.env is development.

SEE ALSO:
  - ledger/service.go: Every movement goes through the normal write path
*/
package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/warp/asset-ledger/ledger"
	"github.com/warp/asset-ledger/store/sqlite"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const (
	scenarioReference = "reference"
	scenarioDemo      = "demo"
)

var seedBases = []ledger.Base{
	{ID: "fort-alpha", Name: "Fort Alpha", Location: "Northern Sector"},
	{ID: "camp-bravo", Name: "Camp Bravo", Location: "Eastern Sector"},
	{ID: "outpost-charlie", Name: "Outpost Charlie", Location: "Southern Sector"},
}

var seedEquipmentTypes = []ledger.EquipmentType{
	{ID: "m4-carbine", Name: "M4 Carbine", Category: "weapon"},
	{ID: "ammo-556", Name: "5.56mm Ammunition (box)", Category: "ammunition"},
	{ID: "hmmwv", Name: "HMMWV", Category: "vehicle"},
	{ID: "radio-prc152", Name: "AN/PRC-152 Radio", Category: "communications"},
}

var errLedgerNotEmpty = errors.New("ledger already has events")

func newSeedCommand(a *app) *cobra.Command {
	var movements, reset bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load reference data (and demo movements with --movements)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reset {
				if err := a.resetDatabase(cmd.Context()); err != nil {
					return err
				}
			}
			svc, _, closeDB, err := a.openLedger(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer closeDB()

			scenario := scenarioReference
			if movements {
				scenario = scenarioDemo
			}
			if err := loadScenario(cmd.Context(), svc, scenario, ledger.DateOf(ledger.SystemClock().Now())); err != nil {
				return err
			}
			a.logger.Info().Str("scenario", scenario).Int64("head", int64(svc.Head())).Msg("seed complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&movements, "movements", false, "also record a month of demo movements")
	cmd.Flags().BoolVar(&reset, "reset", false, "delete every event and reference row first (development only)")
	return cmd
}

func (a *app) resetDatabase(ctx context.Context) error {
	if !a.cfg.App.IsDevelopment() {
		return fmt.Errorf("--reset refused in %s", a.cfg.App.Env)
	}
	store, err := sqlite.New(a.cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("open database %s: %w", a.cfg.DB.Path, err)
	}
	defer store.Close()
	if err := store.Reset(ctx); err != nil {
		return fmt.Errorf("reset database: %w", err)
	}
	a.logger.Warn().Str("db", a.cfg.DB.Path).Msg("database reset")
	return nil
}

// loadScenario applies a scenario through the service as the system
// principal. Demo dates count back from today.
func loadScenario(ctx context.Context, svc *ledger.Service, id string, today ledger.Date) error {
	switch id {
	case scenarioReference:
		return loadReference(ctx, svc)
	case scenarioDemo:
		if svc.Head() > 0 {
			return errLedgerNotEmpty
		}
		if err := loadReference(ctx, svc); err != nil {
			return err
		}
		return loadDemoMovements(ctx, svc, today)
	default:
		return fmt.Errorf("unknown scenario %q", id)
	}
}

func loadReference(ctx context.Context, svc *ledger.Service) error {
	for _, b := range seedBases {
		if err := svc.SaveBase(ctx, ledger.System, b); err != nil {
			return fmt.Errorf("seed base %s: %w", b.ID, err)
		}
	}
	for _, et := range seedEquipmentTypes {
		if err := svc.SaveEquipmentType(ctx, ledger.System, et); err != nil {
			return fmt.Errorf("seed equipment type %s: %w", et.ID, err)
		}
	}
	return nil
}

func loadDemoMovements(ctx context.Context, svc *ledger.Service, today ledger.Date) error {
	ago := func(days int) ledger.Date { return today.AddDays(-days) }
	price := func(s string) *decimal.Decimal {
		d := decimal.RequireFromString(s)
		return &d
	}
	who := ledger.System

	purchases := []ledger.PurchaseInput{
		{Base: "fort-alpha", EquipmentType: "m4-carbine", Quantity: 120, UnitPrice: price("950.00"), Date: ago(28), Notes: "Q3 allocation"},
		{Base: "fort-alpha", EquipmentType: "ammo-556", Quantity: 500, UnitPrice: price("42.50"), Date: ago(28)},
		{Base: "camp-bravo", EquipmentType: "hmmwv", Quantity: 6, UnitPrice: price("220000"), Date: ago(25)},
		{Base: "outpost-charlie", EquipmentType: "radio-prc152", Quantity: 30, Date: ago(20)},
	}
	for _, p := range purchases {
		if _, err := svc.RecordPurchase(ctx, who, p); err != nil {
			return fmt.Errorf("seed purchase: %w", err)
		}
	}

	moved, err := svc.CreateTransfer(ctx, who, ledger.TransferInput{
		FromBase: "fort-alpha", ToBase: "camp-bravo", EquipmentType: "m4-carbine", Quantity: 40, Date: ago(15),
	})
	if err != nil {
		return fmt.Errorf("seed transfer: %w", err)
	}
	if _, err := svc.CompleteTransfer(ctx, who, moved.ID); err != nil {
		return fmt.Errorf("seed transfer completion: %w", err)
	}
	if _, err := svc.CreateTransfer(ctx, who, ledger.TransferInput{
		FromBase: "fort-alpha", ToBase: "outpost-charlie", EquipmentType: "ammo-556", Quantity: 100, Date: ago(5),
		Notes: "awaiting convoy",
	}); err != nil {
		return fmt.Errorf("seed pending transfer: %w", err)
	}

	if _, err := svc.CreateAssignment(ctx, who, ledger.AssignmentInput{
		Base: "fort-alpha", EquipmentType: "m4-carbine", PersonnelName: "1st Platoon", Quantity: 12, Date: ago(10),
	}); err != nil {
		return fmt.Errorf("seed assignment: %w", err)
	}
	if _, err := svc.RecordExpenditure(ctx, who, ledger.ExpenditureInput{
		Base: "fort-alpha", EquipmentType: "ammo-556", Quantity: 60, Reason: "live-fire exercise", Date: ago(7),
	}); err != nil {
		return fmt.Errorf("seed expenditure: %w", err)
	}

	pool, err := svc.CreateAssignment(ctx, who, ledger.AssignmentInput{
		Base: "camp-bravo", EquipmentType: "hmmwv", PersonnelName: "Motor Pool", PersonnelID: "MP-7", Quantity: 2, Date: ago(3),
	})
	if err != nil {
		return fmt.Errorf("seed assignment: %w", err)
	}
	if _, err := svc.ReturnAssignment(ctx, who, pool.ID); err != nil {
		return fmt.Errorf("seed return: %w", err)
	}
	return nil
}
