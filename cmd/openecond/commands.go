package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"OpenEcon-Agent/internal/auth"
	"OpenEcon-Agent/internal/config"
	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/llm"
	"OpenEcon-Agent/internal/pipeline"
	"OpenEcon-Agent/internal/prompts"
	"OpenEcon-Agent/internal/task"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "openecond",
		Short: "Asistente de consultas económicas con agentes especializados",
		Long: `openecond responde preguntas económicas de Colombia (TRM, comercio exterior,
estadísticas del DANE) con un supervisor que enruta a agentes especialistas,
y registra latencia, tokens y costo de cada consulta.

Ejemplos:
  openecond serve --config configs/openecon.yaml
  openecond ask "¿Cuál fue la TRM promedio en 2024?"
  openecond metrics`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "ruta del archivo de configuración (por defecto $"+config.EnvConfigPath+" o "+config.DefaultPath+")")

	root.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newSubmitCmd(opts),
		newMetricsCmd(opts),
		newHistoryCmd(opts),
		newExportCmd(opts),
		newPromptsCmd(opts),
		newConfigCmd(opts),
		newModelsCmd(opts),
		newAuthCmd(),
	)
	return root
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	var (
		backend     string
		temperature float64
	)
	cmd := &cobra.Command{
		Use:   "ask <pregunta>",
		Short: "Ejecuta una consulta de forma síncrona",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), opts.configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			req := pipeline.Request{Question: strings.Join(args, " "), Strategy: backend}
			if cmd.Flags().Changed("temperatura") {
				req.Temperature = &temperature
			}
			result, err := a.pipeline.ProcessRequest(cmd.Context(), req)
			if err != nil {
				return describe(err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, result.Record.Answer)
			fmt.Fprintf(out, "\n[%s | %s | %.0f ms | $%.6f]\n",
				result.Record.Model, result.Record.Strategy, result.Record.LatencyMS, result.Record.CostUSD)
			if result.PersistErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "advertencia: la consulta no se registró: %v\n", result.PersistErr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "single_agent o multi_agent (por defecto multi_agent)")
	cmd.Flags().Float64Var(&temperature, "temperatura", pipeline.DefaultTemperature, "temperatura del modo single_agent")
	return cmd
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		backend string
		id      string
		wait    bool
	)
	cmd := &cobra.Command{
		Use:   "submit <pregunta>",
		Short: "Encola una consulta asíncrona",
		Long: `Encola una consulta en la cola configurada. Con --wait el comando arranca
un procesador local y espera a que la tarea termine.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, opts.configPath, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if !wait && a.cfg.Queue.Driver == "memory" {
				fmt.Fprintln(cmd.ErrOrStderr(), "advertencia: la cola en memoria se pierde al salir; use --wait o una cola redis/rabbitmq")
			}

			var stop func()
			if wait {
				stop = a.startProcessor(ctx)
			}

			submitted, err := a.tasks.Submit(ctx, task.Request{ID: id, Question: strings.Join(args, " "), Strategy: backend})
			if err != nil {
				if stop != nil {
					stop()
				}
				return describe(err)
			}
			if !wait {
				return printJSON(cmd.OutOrStdout(), submitted)
			}

			final, err := a.tasks.WaitUntilCompleted(ctx, submitted.ID, 0)
			stop()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), final)
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "single_agent o multi_agent")
	cmd.Flags().StringVar(&id, "id", "", "identificador idempotente de la tarea")
	cmd.Flags().BoolVar(&wait, "wait", false, "procesar localmente y esperar el resultado")
	return cmd
}

func newMetricsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Muestra el resumen agregado de las consultas registradas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), opts.configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.pipeline.AggregateMetrics(cmd.Context())
			if err != nil {
				return err
			}
			if summary.NoData {
				fmt.Fprintln(cmd.OutOrStdout(), summary.Message)
				return nil
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Lista las consultas más recientes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), opts.configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.pipeline.History(cmd.Context(), n)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 10, "número de consultas")
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var (
		n         int
		output    string
		dashboard bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Exporta el historial como CSV o el tablero de métricas operativas",
		Long: `Sin --dashboard escribe el historial como CSV.

Con --dashboard y -o <directorio> escribe 01_consultas_log.csv, 02_metricas_latencia.csv,
03_analisis_costos.csv y 04_kpi_produccion.csv; sin -o imprime el tablero en JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), opts.configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if dashboard {
				if output == "" {
					d, err := a.pipeline.Dashboard(cmd.Context(), n)
					if err != nil {
						return describe(err)
					}
					return printJSON(cmd.OutOrStdout(), d)
				}
				files, err := a.pipeline.ExportDashboard(cmd.Context(), output, n)
				if err != nil {
					return describe(err)
				}
				for _, f := range files {
					fmt.Fprintln(cmd.OutOrStdout(), f)
				}
				return nil
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("创建导出文件失败: %w", err)
				}
				defer file.Close()
				w = file
			}
			return a.pipeline.ExportCSV(cmd.Context(), w, n)
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 0, "número de consultas (0 exporta todas)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "archivo de salida, o directorio con --dashboard (por defecto stdout)")
	cmd.Flags().BoolVar(&dashboard, "dashboard", false, "exportar latencias, SLA, costos, proyecciones y KPIs")
	return cmd
}

func newPromptsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "Consulta o modifica los prompts de los agentes",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Muestra los prompts vigentes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), opts.configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			current, err := a.pipeline.Prompts(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, role := range prompts.Roles() {
				fmt.Fprintf(out, "== %s ==\n%s\n\n", role, strings.TrimSpace(current[role]))
			}
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <rol> <texto>",
		Short: "Guarda el prompt de un rol",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, ok := prompts.Parse(args[0])
			if !ok {
				return fmt.Errorf("未知的提示词角色: %s", args[0])
			}
			a, err := bootstrap(cmd.Context(), opts.configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.admin.SavePrompt(cmd.Context(), role, strings.Join(args[1:], " ")); err != nil {
				return err
			}
			a.warnIfVolatile(cmd)
			fmt.Fprintf(cmd.OutOrStdout(), "prompt %s actualizado\n", role)
			return nil
		},
	}

	cmd.AddCommand(list, set)
	return cmd
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Modifica la configuración del modelo en tiempo de ejecución",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <provider|model|api_key> <valor>",
		Short: "Guarda un valor de configuración",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, ok := config.ResolveKey(args[0])
			if !ok {
				return fmt.Errorf("未知的设置项: %s", args[0])
			}
			a, err := bootstrap(cmd.Context(), opts.configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			value := strings.TrimSpace(args[1])
			if key == config.KeyProvider {
				value = strings.ToLower(value)
			}
			if err := a.admin.SaveValue(cmd.Context(), key, value); err != nil {
				return err
			}
			a.warnIfVolatile(cmd)
			fmt.Fprintf(cmd.OutOrStdout(), "%s actualizado\n", key)
			return nil
		},
	})
	return cmd
}

type modelsOutput struct {
	Providers map[string][]string `json:"proveedores"`
	Current   string              `json:"actual"`
}

func newModelsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "Lista los proveedores y modelos disponibles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), opts.configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := a.admin.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), modelsOutput{Providers: llm.ModelsByProvider(), Current: snap.ModelID()})
		},
	}
}

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Utilidades de autenticación de la API",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "hash-key <clave>",
		Short: "Genera el hash de una API key para auth.keys[].hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hashed, err := auth.HashKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hashed)
			return nil
		},
	})
	return cmd
}

func (a *app) warnIfVolatile(cmd *cobra.Command) {
	if !a.persists {
		fmt.Fprintln(cmd.ErrOrStderr(), "advertencia: sin storage.sql el cambio solo dura esta ejecución")
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// describe 在错误信息中附带错误码与阶段。
func describe(err error) error {
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		return err
	}
	if stage := xerrors.StageOf(err); stage != xerrors.StageUnknown {
		return fmt.Errorf("[%s/%s] %w", code, stage, err)
	}
	return fmt.Errorf("[%s] %w", code, err)
}
