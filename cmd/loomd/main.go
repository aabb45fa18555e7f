// Command loomd is the composition root: it wires the state manager,
// checkpoint store, graph executor, ReAct controller, tool host, and batch
// processor together from environment configuration and runs one request —
// a single ReAct query, a declarative YAML graph, or a CSV batch run,
// selected by LOOMD_MODE — then exits.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loomkit/loom/internal/batch"
	"github.com/loomkit/loom/internal/checkpoint"
	"github.com/loomkit/loom/internal/config"
	"github.com/loomkit/loom/internal/csvdata"
	"github.com/loomkit/loom/internal/graph"
	"github.com/loomkit/loom/internal/graphdef"
	"github.com/loomkit/loom/internal/llm/openai"
	"github.com/loomkit/loom/internal/mcphost"
	"github.com/loomkit/loom/internal/react"
	"github.com/loomkit/loom/internal/state"
)

func main() {
	config.LoadEnv()

	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║              loomd                   ║")
	fmt.Println("║  graph + react + batch agent runtime ║")
	fmt.Println("╚══════════════════════════════════════╝")

	llmClient, err := openai.NewClientFromEnv()
	if err != nil {
		log.Fatalf("❌ Failed to initialize LLM client: %v", err)
	}
	fmt.Printf("🤖 LLM: %s @ %s\n", llmClient.GetConfig().Model, llmClient.GetConfig().BaseURL)

	workspaceDir := os.Getenv("WORKSPACE_DIR")
	if workspaceDir == "" {
		workspaceDir, _ = os.Getwd()
	}

	reducers := state.NewRegistry()
	store, err := checkpointStoreFromEnv(workspaceDir)
	if err != nil {
		log.Fatalf("❌ Failed to initialize checkpoint store: %v", err)
	}
	mgr := state.NewManager(reducers, store)
	fmt.Printf("🗂  Checkpoints: %s\n", filepath.Join(workspaceDir, "checkpoints"))

	host := mcphost.NewHost()
	if mcpConfigPath := os.Getenv("MCP_CONFIG"); mcpConfigPath != "" {
		if _, statErr := os.Stat(mcpConfigPath); statErr == nil {
			cfgs, loadErr := mcphost.LoadConfig(mcpConfigPath)
			if loadErr != nil {
				log.Printf("⚠️  MCP config: %v", loadErr)
			}
			for _, cfg := range cfgs {
				host.AddServer(cfg)
			}
			if err := host.Start(context.Background()); err != nil {
				log.Printf("⚠️  MCP host start: %v", err)
			} else {
				fmt.Printf("🔌 MCP: %d tool(s) available\n", len(host.ListTools()))
			}
			defer host.Stop()
		}
	}

	maxIterations := intEnv("REACT_MAX_ITERATIONS", 10)
	controller := react.NewController(llmClient, host, maxIterations)

	mode := strings.ToLower(os.Getenv("LOOMD_MODE"))
	if mode == "" {
		mode = "react"
	}

	switch mode {
	case "batch":
		runBatch(llmClient, controller, workspaceDir)
	case "graph":
		runGraph(mgr, controller)
	default:
		runReact(controller)
	}
}

// runGraph loads a declarative graph from LOOMD_GRAPH_PATH, resolving its
// node functions against a small fixed registry that wraps the same
// controller used in "react" mode, and executes it from LOOMD_QUERY.
func runGraph(mgr *state.Manager, controller *react.Controller) {
	graphPath := os.Getenv("LOOMD_GRAPH_PATH")
	query := os.Getenv("LOOMD_QUERY")
	if graphPath == "" || query == "" {
		fmt.Println("⚠️  LOOMD_GRAPH_PATH and LOOMD_QUERY are both required in graph mode")
		return
	}

	def, err := graphdef.Load(graphPath)
	if err != nil {
		log.Fatalf("❌ load graph: %v", err)
	}

	regs := graphdef.Registries{
		Nodes: map[string]graph.Func{
			"react_step": reactStepNode(controller),
		},
		Routers: map[string]graph.RouterFunc{
			"has_answer": func(s state.State) string {
				if _, ok := s["answer"]; ok {
					return graph.End
				}
				return def.Entry
			},
		},
	}

	g, err := graphdef.Build(def, regs, state.NewRegistry())
	if err != nil {
		log.Fatalf("❌ build graph: %v", err)
	}

	compiled, report := g.Compile(graph.OptBasic)
	if !report.OK() {
		log.Fatalf("❌ compile graph: %v", report.Errors)
	}
	for _, w := range report.Warnings {
		log.Printf("⚠️  graph: %s", w)
	}

	executor := graph.NewExecutor(mgr)
	final, waves, err := executor.Execute(context.Background(), compiled, state.State{"query": query}, "", intEnv("GRAPH_MAX_ITERATIONS", 25))
	if err != nil {
		log.Fatalf("❌ execute graph: %v", err)
	}

	fmt.Printf("🌐 Graph %q ran %d wave(s)\n", def.Name, len(waves))
	if answer, ok := final["answer"]; ok {
		fmt.Printf("\n%v\n", answer)
	}
}

// reactStepNode wraps a Controller as a single graph node: it runs one full
// ReAct loop over the state's "query" key and writes the answer back under
// "answer".
func reactStepNode(controller *react.Controller) graph.Func {
	return func(ctx context.Context, in graph.Input) (graph.Output, error) {
		query, _ := in.State["query"].(string)
		result, err := controller.Run(ctx, query)
		if err != nil {
			return graph.Output{}, err
		}
		return graph.Output{Update: map[string]any{"answer": result.Answer}}, nil
	}
}

func runReact(controller *react.Controller) {
	query := os.Getenv("LOOMD_QUERY")
	if query == "" {
		fmt.Println("⚠️  LOOMD_QUERY not set; nothing to do")
		return
	}

	result, err := controller.Run(context.Background(), query)
	if err != nil {
		log.Fatalf("❌ react run: %v", err)
	}

	fmt.Printf("\n%s\n", result.Answer)
	if result.Degraded {
		fmt.Println("⚠️  run degraded before reaching a confident answer")
	}
}

// controllerExecutor adapts react.Controller to batch.TaskExecutor: one
// per-row prompt becomes one fresh ReAct run.
type controllerExecutor struct {
	controller *react.Controller
}

func (c controllerExecutor) Execute(ctx context.Context, prompt string) (string, error) {
	result, err := c.controller.Run(ctx, prompt)
	if err != nil {
		return "", err
	}
	return result.Answer, nil
}

func runBatch(provider *openai.Client, controller *react.Controller, workspaceDir string) {
	csvPath := os.Getenv("LOOMD_CSV_PATH")
	userMessage := os.Getenv("LOOMD_QUERY")
	if csvPath == "" || userMessage == "" {
		fmt.Println("⚠️  LOOMD_CSV_PATH and LOOMD_QUERY are both required in batch mode")
		return
	}

	table, err := csvdata.Load(csvPath)
	if err != nil {
		log.Fatalf("❌ load csv: %v", err)
	}
	fmt.Printf("📄 CSV: %d rows, %d columns, encoding=%s\n", len(table.Rows), len(table.Columns), table.Encoding)

	rows := make([]batch.Row, 0, len(table.Rows))
	for i, r := range table.Rows {
		rows = append(rows, batch.Row{Index: i + 1, Values: r})
	}

	cfg := batch.Config{
		Enabled:         true,
		CSVPath:         csvPath,
		BatchSize:       intEnv("BATCH_SIZE", 10),
		ConcurrentTasks: intEnv("BATCH_CONCURRENT_TASKS", 3),
		Mode:            batch.ProcessingMode(envOr("BATCH_MODE", string(batch.Parallel))),
	}

	var executor batch.TaskExecutor = controllerExecutor{controller: controller}
	if os.Getenv("BATCH_DRY_RUN") == "true" {
		executor = batch.EchoExecutor{}
	}

	processor := batch.NewProcessor(provider, executor, cfg)
	events := processor.Run(context.Background(), userMessage, rows, table.Columns)

	outputs := make(map[int]string)
	errs := make(map[int]string)
	for ev := range events {
		switch ev.Type {
		case batch.EventInstructionGenerated:
			fmt.Printf("🧩 Instruction: %s\n", ev.Instruction.PerRowTemplate)
		case batch.EventTaskCompleted:
			outputs[ev.RowIndex] = ev.TaskOutput
		case batch.EventTaskError:
			errs[ev.RowIndex] = ev.Err.Error()
		case batch.EventFinalSummary:
			fmt.Printf("✅ %s: %d/%d succeeded\n", ev.Status, ev.Progress.Successful, ev.Progress.Total)
		}
	}

	outPath := filepath.Join(workspaceDir, "batch_results.csv")
	if err := batch.ExportResults(outPath, rows, outputs, errs); err != nil {
		log.Printf("⚠️  export results: %v", err)
	} else {
		fmt.Printf("💾 Results written to %s\n", outPath)
	}
}

func checkpointStoreFromEnv(workspaceDir string) (checkpoint.Store, error) {
	max := intEnv("CHECKPOINT_MAX", 100)
	if os.Getenv("CHECKPOINT_BACKEND") == "memory" {
		return checkpoint.NewMemoryStore(max), nil
	}
	dir := os.Getenv("CHECKPOINT_DIR")
	if dir == "" {
		dir = filepath.Join(workspaceDir, "checkpoints")
	}
	return checkpoint.NewFileStore(dir, max)
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("⚠️  invalid %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
