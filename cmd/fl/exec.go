package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forestline/internal/app"
	"forestline/internal/domain"
	"forestline/internal/engine"
	"forestline/internal/execution"
	"forestline/internal/lifecycle"
)

func execCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Execution sheets and their lifecycle",
		Long:  "Records move pending -> assigned -> ongoing -> completed. Office roles assign and edit; only the assigned operator starts, tracks and stops.",
	}
	cmd.AddCommand(execCreateCmd())
	cmd.AddCommand(execShowCmd())
	cmd.AddCommand(execListCmd())
	cmd.AddCommand(execStatusCmd())
	cmd.AddCommand(execExportCmd())
	cmd.AddCommand(execAssignCmd())
	cmd.AddCommand(execFieldCmd("start", "Start an assigned record", engine.Engine.Start))
	cmd.AddCommand(execFieldCmd("stop", "Complete an ongoing record", engine.Engine.Stop))
	cmd.AddCommand(execEditCmd())
	cmd.AddCommand(execTrackCmd())
	return cmd
}

// bindRecord adds --sheet, --polygon and --operation flags.
func bindRecord(cmd *cobra.Command, ref *engine.RecordRef) {
	cmd.Flags().StringVar(&ref.SheetID, "sheet", "", "execution sheet id")
	cmd.Flags().StringVar(&ref.PolygonID, "polygon", "", "polygon id")
	cmd.Flags().StringVar(&ref.OperationID, "operation", "", "operation code")
	_ = cmd.MarkFlagRequired("sheet")
	_ = cmd.MarkFlagRequired("operation")
}

func execCreateCmd() *cobra.Command {
	var worksheetID, ops, start, finish, observations string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an execution sheet from a worksheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				sheet, err := env.Engine.CreateExecutionSheet(ctx, engine.CreateSheetOptions{
					WorksheetID: worksheetID,
					Operations:  splitList(ops),
					Dating:      execution.Dating{StartingDate: start, FinishingDate: finish, Observations: observations},
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sheet)
				}
				fmt.Printf("Created execution sheet %s with %d records\n", sheet.ID, len(sheet.Records()))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&worksheetID, "worksheet", "", "worksheet id")
	cmd.Flags().StringVar(&ops, "operations", "", "comma separated operation codes")
	cmd.Flags().StringVar(&start, "start", "", "starting date")
	cmd.Flags().StringVar(&finish, "finish", "", "finishing date")
	cmd.Flags().StringVar(&observations, "observations", "", "observations")
	_ = cmd.MarkFlagRequired("worksheet")
	_ = cmd.MarkFlagRequired("operations")
	return cmd
}

func execShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <sheet-id>",
		Short: "Show every record of an execution sheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				sheet, err := env.Engine.Repo.GetExecutionSheet(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sheet)
				}
				fmt.Printf("Execution sheet %s (worksheet %s)\n", sheet.ID, sheet.WorkSheetID)
				printRecords(sheet.Records())
				return nil
			})
		},
	}
}

func execListCmd() *cobra.Command {
	var worksheetID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List execution sheets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.Repo.ListExecutionSheets(ctx, worksheetID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Worksheet", "Start", "Finish", "Created by", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.WorkSheetID, s.StartingDate, s.FinishingDate, s.CreatedBy, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&worksheetID, "worksheet", "", "worksheet id filter")
	return cmd
}

func execStatusCmd() *cobra.Command {
	var operation string
	cmd := &cobra.Command{
		Use:   "status <sheet-id>",
		Short: "Global status per operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				statuses := map[string]domain.Status{}
				if operation != "" {
					s, err := env.Engine.GlobalStatus(ctx, args[0], operation)
					if err != nil {
						return err
					}
					statuses[operation] = s
				} else {
					all, err := env.Engine.SheetStatus(ctx, args[0])
					if err != nil {
						return err
					}
					statuses = all
				}
				if viper.GetBool("json") {
					return printJSON(statuses)
				}
				codes := make([]string, 0, len(statuses))
				for code := range statuses {
					codes = append(codes, code)
				}
				sort.Strings(codes)
				tw := newTable()
				tw.AppendHeader(table.Row{"Operation", "Status"})
				for _, code := range codes {
					tw.AppendRow(table.Row{code, statuses[code]})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&operation, "operation", "", "single operation code")
	return cmd
}

func execExportCmd() *cobra.Command {
	var stdout bool
	cmd := &cobra.Command{
		Use:   "export <sheet-id>",
		Short: "Export an execution sheet to the configured sink",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				sink, err := openSink(ctx, env, stdout)
				if err != nil {
					return err
				}
				loc, err := env.Engine.ExportExecutionSheet(ctx, args[0], sink)
				if err != nil {
					return err
				}
				if !stdout {
					fmt.Println(loc)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&stdout, "stdout", false, "write the document to stdout")
	return cmd
}

func execAssignCmd() *cobra.Command {
	var ref engine.RecordRef
	var operatorID string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a pending record to an eligible operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				rec, err := env.Engine.Assign(ctx, ref, operatorID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printRecord(rec)
			})
		},
	}
	bindRecord(cmd, &ref)
	cmd.Flags().StringVar(&operatorID, "operator", "", "operator id")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

// execFieldCmd builds start and stop, which run as the --actor-id operator.
func execFieldCmd(use, short string, apply func(engine.Engine, context.Context, engine.RecordRef, string) (domain.PolygonOperation, error)) *cobra.Command {
	var ref engine.RecordRef
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				rec, err := apply(env.Engine, ctx, ref, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printRecord(rec)
			})
		},
	}
	bindRecord(cmd, &ref)
	return cmd
}

func execEditCmd() *cobra.Command {
	var ref engine.RecordRef
	var observations, planned string
	var hours float64
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Edit record metadata",
		Long:  "Without --polygon the edit applies to every polygon of the operation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var fields lifecycle.EditFields
			if cmd.Flags().Changed("observations") {
				fields.Observations = &observations
			}
			if cmd.Flags().Changed("planned-completion") {
				fields.PlannedCompletionDate = optionalString(planned)
			}
			if cmd.Flags().Changed("estimated-hours") {
				fields.EstimatedDurationHours = &hours
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				out, err := env.Engine.Edit(ctx, ref, fields, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				printRecords(out)
				return nil
			})
		},
	}
	bindRecord(cmd, &ref)
	cmd.Flags().StringVar(&observations, "observations", "", "observations")
	cmd.Flags().StringVar(&planned, "planned-completion", "", "planned completion date")
	cmd.Flags().Float64Var(&hours, "estimated-hours", 0, "estimated duration in hours")
	return cmd
}

func execTrackCmd() *cobra.Command {
	var ref engine.RecordRef
	var position, note string
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Record field activity on an ongoing record",
		RunE: func(cmd *cobra.Command, args []string) error {
			var in engine.TrackInput
			in.Note = note
			if position != "" {
				pos, err := parsePosition(position)
				if err != nil {
					return err
				}
				in.Position = pos
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				rec, err := env.Engine.RecordTrack(ctx, ref, viper.GetString("actor-id"), in)
				if err != nil {
					return err
				}
				return printRecord(rec)
			})
		},
	}
	bindRecord(cmd, &ref)
	cmd.Flags().StringVar(&position, "position", "", "x,y as lng,lat or easting,northing")
	cmd.Flags().StringVar(&note, "note", "", "free text")
	return cmd
}

func printRecord(rec domain.PolygonOperation) error {
	if viper.GetBool("json") {
		return printJSON(rec)
	}
	printRecords([]domain.PolygonOperation{rec})
	return nil
}

func printRecords(records []domain.PolygonOperation) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Polygon", "Operation", "Status", "Operator", "Started", "Finished", "Tracks"})
	for _, r := range records {
		tw.AppendRow(table.Row{r.PolygonID, r.OperationID, r.Status, orDash(r.OperatorID), orDash(r.StartingDate), orDash(r.FinishingDate), len(r.Tracks)})
	}
	tw.Render()
}

func parsePosition(raw string) ([]float64, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("position must be x,y")
	}
	out := make([]float64, 2)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("position: %w", err)
		}
		out[i] = v
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
