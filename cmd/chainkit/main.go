package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tessaro/chainkit/internal/diagram"
	"github.com/tessaro/chainkit/internal/store"
)

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "run":
		os.Exit(runOnce(args))
	case "validate":
		os.Exit(runValidate(args))
	case "graph":
		os.Exit(runGraph(args))
	case "secret":
		os.Exit(runSecret(args))
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Print(`chainkit — multi-step task chain orchestration

Usage:
  chainkit serve           start the MCP server, scheduler and health monitor
  chainkit run <file>      execute a chain definition file once and print the result
  chainkit validate <file> validate a chain definition file
  chainkit graph <file>    print the chain DAG as a Mermaid flowchart
                           (-o out.png renders a PNG instead)
  chainkit secret <op>     manage encrypted secrets: set <key> <value>,
                           get <key>, rm <key>, ls
                           (requires CHAINKIT_VAULT_PASSPHRASE)
  chainkit version         print the version

Configuration: ~/.chainkit/settings.json, overridden by CHAINKIT_* env vars.
`)
}

// runServe starts the long-running server: MCP on stdio plus the background
// scheduler, health monitor and metrics endpoint.
func runServe() int {
	cfg := loadConfig()
	logger := buildLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err.Error())
		return 1
	}
	defer rt.Shutdown()

	if err := rt.Start(ctx); err != nil {
		logger.Error("startup failed", "error", err.Error())
		return 1
	}

	logger.Info("chainkit serving MCP on stdio",
		"db", cfg.DBPath,
		"sandbox", cfg.Sandbox,
		"scheduler", cfg.SchedulerEnabled,
	)
	if err := rt.mcpServer.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error("mcp server failed", "error", err.Error())
		return 1
	}
	return 0
}

// runOnce executes a chain definition file and prints the result as JSON.
// Exit code 0 only when the chain succeeded.
func runOnce(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: chainkit run <chain.json>")
		return 2
	}

	cfg := loadConfig()
	logger := buildLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	def, err := loadDefinition(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err.Error())
		return 1
	}
	defer rt.Shutdown()

	if err := rt.validator.ValidateDefinition(def); err != nil {
		fmt.Fprintf(os.Stderr, "invalid chain: %v\n", err)
		return 2
	}

	result := rt.runner.Execute(ctx, def)
	if err := rt.store.RecordResult(ctx, def, result); err != nil {
		logger.Error("failed to record run", "error", err.Error())
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))

	if !result.Success {
		return 1
	}
	return 0
}

// runValidate validates a chain definition file and prints any issues.
func runValidate(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: chainkit validate <chain.json>")
		return 2
	}

	def, err := loadDefinition(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	validator, err := newStandaloneValidator()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if err := validator.ValidateDefinition(def); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return 1
	}
	fmt.Printf("ok: %s (%d steps)\n", def.Name, len(def.Steps))
	return 0
}

// runGraph renders a chain definition's dependency graph. Default output is
// Mermaid text on stdout; -o writes a PNG instead.
func runGraph(args []string) int {
	var file, pngOut string
	for i := 0; i < len(args); i++ {
		if args[i] == "-o" && i+1 < len(args) {
			pngOut = args[i+1]
			i++
			continue
		}
		file = args[i]
	}
	if file == "" {
		fmt.Fprintln(os.Stderr, "usage: chainkit graph <chain.json> [-o out.png]")
		return 2
	}

	def, err := loadDefinition(file)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	model := diagram.Build(def, nil)
	if pngOut == "" {
		fmt.Print(diagram.RenderMermaid(model))
		return 0
	}

	png, err := diagram.RenderImage(model)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := os.WriteFile(pngOut, png, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("wrote %s\n", pngOut)
	return 0
}

// runSecret manages the encrypted vault: set, get, rm, ls.
func runSecret(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: chainkit secret set <key> <value> | get <key> | rm <key> | ls")
		return 2
	}

	cfg := loadConfig()
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	vault, err := newVault(st)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if vault == nil {
		fmt.Fprintln(os.Stderr, "vault is locked: set CHAINKIT_VAULT_PASSPHRASE")
		return 1
	}

	switch args[0] {
	case "set":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, "usage: chainkit secret set <key> <value>")
			return 2
		}
		if err := vault.Store(ctx, args[1], []byte(args[2])); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("stored %s\n", args[1])
	case "get":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: chainkit secret get <key>")
			return 2
		}
		value, err := vault.Resolve(ctx, args[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println(string(value))
	case "rm":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: chainkit secret rm <key>")
			return 2
		}
		if err := vault.Delete(ctx, args[1]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("deleted %s\n", args[1])
	case "ls":
		keys, err := vault.List(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		for _, k := range keys {
			fmt.Println(k)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown secret operation %q\n", args[0])
		return 2
	}
	return 0
}
