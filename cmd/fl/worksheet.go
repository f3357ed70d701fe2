package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"forestline/internal/app"
	"forestline/internal/domain"
	"forestline/internal/engine"
	"forestline/internal/export"
)

func worksheetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "worksheet",
		Aliases: []string{"ws"},
		Short:   "Import and inspect worksheets",
	}
	cmd.AddCommand(worksheetImportCmd())
	cmd.AddCommand(worksheetListCmd())
	cmd.AddCommand(worksheetShowCmd())
	cmd.AddCommand(worksheetExportCmd())
	return cmd
}

func worksheetImportCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Import a worksheet GeoJSON document",
		Long:  "Polygons with unmappable coordinates or fewer than three distinct points are dropped and reported. Re-importing an id replaces the worksheet.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0])
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				res, err := env.Engine.ImportWorksheet(ctx, engine.ImportOptions{ID: id, Data: data, ActorID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Imported %s: %d polygons, %d operations\n", res.Worksheet.ID, len(res.Worksheet.Polygons), len(res.Worksheet.Operations))
				if res.Sentinels > 0 {
					fmt.Printf("Unmappable coordinates: %d\n", res.Sentinels)
				}
				if len(res.Dropped) > 0 {
					tw := newTable()
					tw.AppendHeader(table.Row{"Position", "Polygon", "Dropped because"})
					for _, d := range res.Dropped {
						tw.AppendRow(table.Row{d.Position, d.PolygonID, d.Reason})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "worksheet id (overrides the document)")
	return cmd
}

func worksheetListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List worksheets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.Repo.ListWorksheets(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Start", "Finish", "Provider", "Polygons", "Operations", "Updated"})
				for _, w := range items {
					provider := "-"
					if w.ServiceProviderID != nil {
						provider = fmt.Sprint(*w.ServiceProviderID)
					}
					tw.AppendRow(table.Row{w.ID, w.StartingDate, w.FinishingDate, provider, w.Polygons, w.Operations, w.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func worksheetShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a worksheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				ws, err := env.Engine.Repo.GetWorksheet(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ws)
				}
				fmt.Printf("Worksheet %s (%s)\n", ws.ID, ws.Encoding)
				if ws.Centroid != nil {
					fmt.Printf("Centroid: %.6f, %.6f\n", ws.Centroid.Lat, ws.Centroid.Lng)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Code", "Description", "Area (ha)"})
				for _, op := range ws.Operations {
					tw.AppendRow(table.Row{op.Code, op.Description, op.AreaHa})
				}
				tw.Render()
				fmt.Printf("Polygons: %d\n", len(ws.Polygons))
				return nil
			})
		},
	}
}

func worksheetExportCmd() *cobra.Command {
	var stdout bool
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export a worksheet to the configured sink",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				sink, err := openSink(ctx, env, stdout)
				if err != nil {
					return err
				}
				loc, err := env.Engine.ExportWorksheet(ctx, args[0], sink)
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

func operatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "operator",
		Aliases: []string{"op"},
		Short:   "Manage operators",
	}
	cmd.AddCommand(operatorAddCmd())
	cmd.AddCommand(operatorListCmd())
	cmd.AddCommand(operatorEligibleCmd())
	return cmd
}

func operatorAddCmd() *cobra.Command {
	var id, name, role string
	var corporation int64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register or update an operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			op := domain.Operator{ID: id, Name: name, Role: role}
			if cmd.Flags().Changed("corporation") {
				op.CorporationID = &corporation
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				out, err := env.Engine.RegisterOperator(ctx, op, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "operator id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "", "role, e.g. PO or PLANNER")
	cmd.Flags().Int64Var(&corporation, "corporation", 0, "service provider corporation id")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func operatorListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.Repo.ListOperators(ctx, role)
				if err != nil {
					return err
				}
				return printOperators(items)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func operatorEligibleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "eligible <worksheet-id>",
		Short: "Operators that may be assigned work on a worksheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.EligibleOperators(ctx, args[0])
				if err != nil {
					return err
				}
				return printOperators(items)
			})
		},
	}
}

func printOperators(items []domain.Operator) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Role", "Corporation"})
	for _, o := range items {
		corp := "-"
		if o.CorporationID != nil {
			corp = fmt.Sprint(*o.CorporationID)
		}
		tw.AppendRow(table.Row{o.ID, o.Name, o.Role, corp})
	}
	tw.Render()
	return nil
}

func openSink(ctx context.Context, env *app.Env, stdout bool) (export.Sink, error) {
	if stdout {
		return export.WriterSink{W: os.Stdout}, nil
	}
	return env.Sink(ctx)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
