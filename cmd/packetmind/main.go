package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/packetmind/packetmind/internal/alert"
	"github.com/packetmind/packetmind/internal/analysis"
	"github.com/packetmind/packetmind/internal/api"
	"github.com/packetmind/packetmind/internal/capture"
	"github.com/packetmind/packetmind/internal/codec"
	"github.com/packetmind/packetmind/internal/config"
	"github.com/packetmind/packetmind/internal/filter"
	"github.com/packetmind/packetmind/internal/metrics"
	"github.com/packetmind/packetmind/internal/txn"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const defaultAPIPort = 8765

func main() {
	rootCmd := &cobra.Command{
		Use:   "packetmind",
		Short: "Capture, classify and analyze HTTP(S) traffic",
		Long:  "PacketMind: a capturing proxy that tags traffic against domain filters and rules,\nkeeps a searchable history and runs security analysis on it.",
	}

	var configFile string
	var port int
	var devMode bool

	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "Management API port (default: 8765)")

	// ─── start ───
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the capture proxy and management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port, devMode)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: packetmind.yaml)")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, CORS *")

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter packetmind.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	// ─── status ───
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show capture state and store counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(port)
		},
	}

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("PacketMind %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	// ─── tx ───
	txCmd := &cobra.Command{
		Use:   "tx",
		Short: "Transaction history commands",
	}

	var listLimit int
	var onlyFiltered bool
	txListCmd := &cobra.Command{
		Use:   "list",
		Short: "List captured transactions, newest last",
		RunE: func(cmd *cobra.Command, args []string) error {
			var txs []txn.Transaction
			if err := apiCall(port, http.MethodGet, "/api/transactions", nil, &txs); err != nil {
				return err
			}
			if onlyFiltered {
				kept := txs[:0]
				for _, t := range txs {
					if t.Tags.Has(txn.TagFiltered) {
						kept = append(kept, t)
					}
				}
				txs = kept
			}
			if listLimit > 0 && len(txs) > listLimit {
				txs = txs[len(txs)-listLimit:]
			}
			printTransactions(txs)
			return nil
		},
	}
	txListCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "Show at most N most recent transactions (0 = all)")
	txListCmd.Flags().BoolVar(&onlyFiltered, "filtered", false, "Only show transactions tagged filtered")

	txClearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard the whole history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiCall(port, http.MethodDelete, "/api/transactions", nil, nil); err != nil {
				return err
			}
			fmt.Println("✓ History cleared")
			return nil
		},
	}

	var searchMethod, searchDomain string
	var searchStatus, searchLimit int
	txSearchCmd := &cobra.Command{
		Use:   "search [keyword]",
		Short: "Search the history by keyword, method, status and domain",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if len(args) == 1 {
				q.Set("q", args[0])
			}
			if searchMethod != "" {
				q.Set("method", searchMethod)
			}
			if searchDomain != "" {
				q.Set("domain", searchDomain)
			}
			if searchStatus != 0 {
				q.Set("status", strconv.Itoa(searchStatus))
			}
			if searchLimit > 0 {
				q.Set("limit", strconv.Itoa(searchLimit))
			}
			var txs []txn.Transaction
			if err := apiCall(port, http.MethodGet, "/api/transactions/search?"+q.Encode(), nil, &txs); err != nil {
				return err
			}
			if len(txs) == 0 {
				fmt.Println("No results found.")
				return nil
			}
			printTransactions(txs)
			return nil
		},
	}
	txSearchCmd.Flags().StringVar(&searchMethod, "method", "", "HTTP method")
	txSearchCmd.Flags().StringVar(&searchDomain, "domain", "", "Domain substring")
	txSearchCmd.Flags().IntVar(&searchStatus, "status", 0, "Response status code")
	txSearchCmd.Flags().IntVar(&searchLimit, "limit", 100, "Maximum results")

	txFavoriteCmd := &cobra.Command{
		Use:   "favorite [id]",
		Short: "Toggle the favorite mark of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Favorite bool `json:"favorite"`
			}
			if err := apiCall(port, http.MethodPost, "/api/transactions/"+url.PathEscape(args[0])+"/favorite", nil, &result); err != nil {
				return err
			}
			if result.Favorite {
				fmt.Printf("★ %s marked favorite\n", args[0])
			} else {
				fmt.Printf("☆ %s unmarked\n", args[0])
			}
			return nil
		},
	}

	var harOutput string
	txHARCmd := &cobra.Command{
		Use:   "har",
		Short: "Export the history as HAR 1.2",
		RunE: func(cmd *cobra.Command, args []string) error {
			var har json.RawMessage
			if err := apiCall(port, http.MethodGet, "/api/transactions/har", nil, &har); err != nil {
				return err
			}
			var out bytes.Buffer
			if err := json.Indent(&out, har, "", "  "); err != nil {
				return err
			}
			out.WriteByte('\n')
			if harOutput == "" || harOutput == "-" {
				_, err := os.Stdout.Write(out.Bytes())
				return err
			}
			if err := os.WriteFile(harOutput, out.Bytes(), 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", harOutput, err)
			}
			fmt.Printf("✓ Wrote %s\n", harOutput)
			return nil
		},
	}
	txHARCmd.Flags().StringVarP(&harOutput, "output", "o", "", "Output file (default: stdout)")

	txCmd.AddCommand(txListCmd, txClearCmd, txSearchCmd, txFavoriteCmd, txHARCmd)

	// ─── filter ───
	filterCmd := &cobra.Command{
		Use:   "filter",
		Short: "Domain filter commands",
	}

	filterAddCmd := &cobra.Command{
		Use:   "add [pattern]",
		Short: "Add a domain filter pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]bool
			if err := apiCall(port, http.MethodPost, "/api/filters", map[string]string{"filter": args[0]}, &result); err != nil {
				return err
			}
			if result["added"] {
				fmt.Printf("✓ Filter %q added\n", args[0])
			} else {
				fmt.Printf("  Filter %q already present\n", args[0])
			}
			return nil
		},
	}

	filterRemoveCmd := &cobra.Command{
		Use:   "remove [pattern]",
		Short: "Remove a domain filter pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]bool
			if err := apiCall(port, http.MethodDelete, "/api/filters?pattern="+url.QueryEscape(args[0]), nil, &result); err != nil {
				return err
			}
			if result["removed"] {
				fmt.Printf("✓ Filter %q removed\n", args[0])
			} else {
				fmt.Printf("  Filter %q not found\n", args[0])
			}
			return nil
		},
	}

	filterListCmd := &cobra.Command{
		Use:   "list",
		Short: "List domain filter patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Filters []string `json:"filters"`
			}
			if err := apiCall(port, http.MethodGet, "/api/filters", nil, &result); err != nil {
				return err
			}
			if len(result.Filters) == 0 {
				fmt.Println("No filters configured.")
				return nil
			}
			for _, f := range result.Filters {
				fmt.Println(f)
			}
			return nil
		},
	}

	filterCmd.AddCommand(filterAddCmd, filterRemoveCmd, filterListCmd)

	// ─── rule ───
	ruleCmd := &cobra.Command{
		Use:   "rule",
		Short: "Tagging rule commands",
	}

	ruleListCmd := &cobra.Command{
		Use:   "list",
		Short: "List tagging rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Rules []filter.Rule `json:"rules"`
			}
			if err := apiCall(port, http.MethodGet, "/api/rules", nil, &result); err != nil {
				return err
			}
			if len(result.Rules) == 0 {
				fmt.Println("No rules loaded.")
				return nil
			}
			fmt.Printf("%-20s %-15s %-6s %s\n", "NAME", "TAG", "ALERT", "CONDITION")
			fmt.Println(strings.Repeat("─", 80))
			for _, r := range result.Rules {
				fmt.Printf("%-20s %-15s %-6t %s\n", truncate(r.Name, 20), truncate(r.Tag, 15), r.Alert, truncate(r.Condition, 40))
			}
			return nil
		},
	}

	var newRule filter.Rule
	ruleAddCmd := &cobra.Command{
		Use:   "add [name] [condition]",
		Short: "Add a CEL tagging rule, e.g. 'tx.scheme == \"http\"'",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			newRule.Name = args[0]
			newRule.Condition = args[1]
			if err := apiCall(port, http.MethodPost, "/api/rules", newRule, nil); err != nil {
				return err
			}
			fmt.Printf("✓ Rule %q added\n", newRule.Name)
			return nil
		},
	}
	ruleAddCmd.Flags().StringVar(&newRule.Tag, "tag", "", "Tag to apply on match (default: rule name)")
	ruleAddCmd.Flags().BoolVar(&newRule.Alert, "alert", false, "Raise an alert on match")

	ruleRemoveCmd := &cobra.Command{
		Use:   "remove [name]",
		Short: "Remove a tagging rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]bool
			if err := apiCall(port, http.MethodDelete, "/api/rules/"+url.PathEscape(args[0]), nil, &result); err != nil {
				return err
			}
			if result["removed"] {
				fmt.Printf("✓ Rule %q removed\n", args[0])
			} else {
				fmt.Printf("  Rule %q not found\n", args[0])
			}
			return nil
		},
	}

	ruleCmd.AddCommand(ruleListCmd, ruleAddCmd, ruleRemoveCmd)

	// ─── capture ───
	captureCmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture lifecycle commands",
	}

	captureStartCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the capture proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiCall(port, http.MethodPost, "/api/capture/start", nil, nil); err != nil {
				return err
			}
			var status map[string]any
			if err := apiCall(port, http.MethodGet, "/api/capture/status", nil, &status); err != nil {
				return err
			}
			fmt.Printf("✓ Capturing on %v\n", status["listen"])
			return nil
		},
	}

	captureStopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the capture proxy (history is kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiCall(port, http.MethodPost, "/api/capture/stop", nil, nil); err != nil {
				return err
			}
			fmt.Println("✓ Capture stopped")
			return nil
		},
	}

	captureCmd.AddCommand(captureStartCmd, captureStopCmd)

	// ─── analysis ───
	analyzeCmd := &cobra.Command{
		Use:   "analyze [id]",
		Short: "Run the analysis engine on one transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result json.RawMessage
			if err := apiCall(port, http.MethodPost, "/api/transactions/"+url.PathEscape(args[0])+"/analyze", nil, &result); err != nil {
				return err
			}
			return printIndented(result)
		},
	}

	vulnsCmd := &cobra.Command{
		Use:   "vulns [id]",
		Short: "Detect vulnerabilities in one transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Vulnerabilities []string `json:"vulnerabilities"`
			}
			if err := apiCall(port, http.MethodPost, "/api/transactions/"+url.PathEscape(args[0])+"/vulnerabilities", nil, &result); err != nil {
				return err
			}
			if len(result.Vulnerabilities) == 0 {
				fmt.Println("✓ No vulnerabilities detected")
				return nil
			}
			for _, v := range result.Vulnerabilities {
				fmt.Printf("  ⚠ %s\n", v)
			}
			return nil
		},
	}

	insightsCmd := &cobra.Command{
		Use:   "insights",
		Short: "Corpus-wide observations over the history",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Insights []string `json:"insights"`
			}
			if err := apiCall(port, http.MethodGet, "/api/insights", nil, &result); err != nil {
				return err
			}
			if len(result.Insights) == 0 {
				fmt.Println("No insights yet.")
				return nil
			}
			for _, in := range result.Insights {
				fmt.Printf("  • %s\n", in)
			}
			return nil
		},
	}

	// ─── mock ───
	mockCmd := &cobra.Command{
		Use:   "mock",
		Short: "Push sample capture events to a running PacketMind",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMock(port)
		},
	}

	// ─── encode / decode ───
	var codecFormat string
	encodeCmd := &cobra.Command{
		Use:   "encode [text]",
		Short: "Encode text as base64 or URL-encoded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := codec.Encode(codecFormat, args[0])
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	decodeCmd := &cobra.Command{
		Use:   "decode [text]",
		Short: "Decode base64 or URL-encoded text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := codec.Decode(codecFormat, args[0])
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	for _, c := range []*cobra.Command{encodeCmd, decodeCmd} {
		c.Flags().StringVarP(&codecFormat, "format", "f", codec.Base64, "base64 or url")
	}

	rootCmd.AddCommand(startCmd, initCmd, statusCmd, versionCmd, txCmd, filterCmd, ruleCmd, captureCmd,
		analyzeCmd, vulnsCmd, insightsCmd, mockCmd, encodeCmd, decodeCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(configFile string, portOverride int, devMode bool) error {
	// Load config
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	cfg := cfgLoader.Get()

	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	m := metrics.New()

	store := txn.NewStore(txn.WithMaxEntries(cfg.Store.MaxTransactions))
	m.TrackStore(store)

	filters := filter.NewRegistry()
	seedFilters(filters, cfg.Filters, logger)
	m.TrackFilters(filters.Len)

	rules, err := filter.NewRuleSet(logger)
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	if err := rules.Replace(cfg.Rules); err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	alertMgr := alert.NewManager(cfg.Alerts, logger, alert.WithRecorder(m))

	pipeline := capture.NewPipeline(store, filters, logger,
		capture.WithRuleSet(rules),
		capture.WithAlertSender(alertMgr),
		capture.WithRecorder(m),
	)
	proxy := capture.NewProxy(pipeline, logger,
		capture.WithUpstreamTimeout(cfg.Capture.UpstreamTimeout),
		capture.WithMaxBodyBytes(cfg.Capture.MaxBodyBytes),
	)
	controller := capture.NewController(pipeline, proxy, cfg.Capture.Listen, logger)

	index, err := txn.OpenIndex(cfg.Store.IndexPath, store, cfg.Store.SubscriberBuffer, logger)
	if err != nil {
		return fmt.Errorf("failed to open search index: %w", err)
	}
	defer func() { _ = index.Close() }()

	engine, err := newEngine(cfg.Analysis)
	if err != nil {
		return err
	}
	gateway := analysis.NewGateway(store, engine, logger,
		analysis.WithTimeout(cfg.Analysis.Timeout),
		analysis.WithRecorder(m),
	)

	apiServer := api.NewServer(cfg.Server, api.Deps{
		Pipeline:         pipeline,
		Controller:       controller,
		Filters:          filters,
		Rules:            rules,
		Index:            index,
		Gateway:          gateway,
		Metrics:          m,
		SubscriberBuffer: cfg.Store.SubscriberBuffer,
		Version:          version,
	}, logger)

	ln, err := net.Listen("tcp", api.APIAddr(cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}

	if cfg.Capture.Autostart {
		if err := controller.Start(); err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to start capture: %w", err)
		}
	}

	// Print startup banner
	fmt.Println()
	fmt.Println("  PacketMind " + version)
	fmt.Println()
	fmt.Printf("  → API:       http://localhost:%d/api\n", cfg.Server.Port)
	fmt.Printf("  → Live feed: ws://localhost:%d/api/ws/transactions\n", cfg.Server.Port)
	fmt.Printf("  → Metrics:   http://localhost:%d/metrics\n", cfg.Server.Port)
	if controller.Running() {
		fmt.Printf("  → Proxy:     %s\n", controller.Listen())
	} else {
		fmt.Printf("  → Proxy:     %s (stopped, run `packetmind capture start`)\n", controller.Listen())
	}
	fmt.Printf("  → Filters:   %d loaded\n", filters.Len())
	fmt.Printf("  → Rules:     %d loaded\n", rules.Len())
	fmt.Printf("  → Analysis:  %s\n", engineName(cfg.Analysis.Engine))
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return apiServer.Serve(ln)
	})

	g.Go(func() error {
		return index.Run(gctx)
	})

	// Hot-reload config file
	if path := cfgLoader.FilePath(); path != "" {
		watcher, err := config.NewWatcher(path, func(string) {
			err := reloadConfig(cfgLoader, filters, rules, logger)
			m.RecordConfigReload(err)
		}, logger)
		if err != nil {
			logger.Error("failed to watch config for hot-reload", "error", err)
		} else {
			g.Go(func() error {
				return watcher.Run(gctx)
			})
		}
	}

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				alertMgr.PruneDedup()
			}
		}
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if controller.Running() {
			if err := controller.Stop(shutCtx); err != nil && !errors.Is(err, capture.ErrUnavailable) {
				logger.Error("capture shutdown failed", "error", err)
			}
		}
		err := apiServer.Shutdown(shutCtx)
		alertMgr.Wait()
		return err
	})

	return g.Wait()
}

// reloadConfig re-reads the config file. Filters are added, never removed,
// so patterns added at runtime survive a reload. Rules are replaced.
func reloadConfig(loader *config.Loader, filters *filter.Registry, rules *filter.RuleSet, logger *slog.Logger) error {
	if err := loader.Reload(); err != nil {
		logger.Error("config reload failed, keeping previous config", "error", err)
		return err
	}
	cfg := loader.Get()
	seedFilters(filters, cfg.Filters, logger)
	if err := rules.Replace(cfg.Rules); err != nil {
		logger.Error("rule reload failed, keeping previous rules", "error", err)
		return err
	}
	logger.Info("config reloaded", "filters", filters.Len(), "rules", rules.Len())
	return nil
}

func seedFilters(filters *filter.Registry, patterns []string, logger *slog.Logger) {
	for _, p := range patterns {
		if _, err := filters.Add(p); err != nil {
			logger.Warn("skipping invalid filter pattern", "pattern", p, "error", err)
		}
	}
}

func newEngine(cfg config.AnalysisConfig) (analysis.Engine, error) {
	switch cfg.Engine {
	case "", "heuristic":
		return analysis.NewHeuristicEngine(), nil
	case "llm":
		return analysis.NewLLMEngine(analysis.LLMConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
		}, nil), nil
	default:
		return nil, fmt.Errorf("unknown analysis engine %q", cfg.Engine)
	}
}

func engineName(engine string) string {
	if engine == "" {
		return "heuristic"
	}
	return engine
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

// ─── Init ───

func runInit() error {
	configPath := "packetmind.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", configPath)
		return nil
	}
	if err := config.GenerateDefault(configPath); err != nil {
		return err
	}
	fmt.Printf("  ✓ Generated %s\n", configPath)

	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    packetmind start                 # Start the API (capture starts stopped)")
	fmt.Println("    packetmind capture start         # Start the proxy")
	fmt.Println("    packetmind filter add example    # Flag traffic to matching domains")
	return nil
}

// ─── Client Commands ───

func runStatus(port int) error {
	p := resolvePort(port)
	var stats map[string]any
	if err := apiCall(port, http.MethodGet, "/api/stats", nil, &stats); err != nil {
		fmt.Printf("PacketMind is not running on port %d\n", p)
		return nil
	}

	var captureStatus map[string]any
	_ = apiCall(port, http.MethodGet, "/api/capture/status", nil, &captureStatus)

	fmt.Println("PacketMind Status")
	fmt.Println("─────────────────")
	if running, _ := captureStatus["running"].(bool); running {
		fmt.Printf("  %-22s %v\n", "capture:", "running on "+str(captureStatus["listen"]))
	} else {
		fmt.Printf("  %-22s %v\n", "capture:", "stopped")
	}
	for _, k := range []string{"size", "filtered", "completed", "evicted", "total_appended", "filters", "rules", "subscribers", "websocket_clients", "version"} {
		if v, ok := stats[k]; ok {
			fmt.Printf("  %-22s %v\n", k+":", v)
		}
	}
	return nil
}

func runMock(port int) error {
	p := resolvePort(port)
	fmt.Printf("Sending mock capture events to localhost:%d...\n\n", p)

	events := []struct {
		method   string
		url      string
		status   int
		duration int64
	}{
		{"GET", "https://www.example.com/", 200, 84},
		{"GET", "https://api.example.com/v1/users?page=2", 200, 132},
		{"POST", "https://api.example.com/graphql", 200, 410},
		{"GET", "https://cdn.example.com/static/app.js", 304, 12},
		{"GET", "http://shop.example.com/search?q=1%27%20OR%201=1--", 500, 2300},
		{"GET", "https://www.bilibili.com/video/BV1xx411c7mD", 200, 95},
		{"POST", "https://auth.example.com/login?password=hunter2", 401, 60},
	}

	for _, e := range events {
		var t txn.Transaction
		err := apiCall(port, http.MethodPost, "/api/capture/events", map[string]string{"method": e.method, "url": e.url}, &t)
		if err != nil {
			fmt.Printf("  ✗ %s %s: %s\n", e.method, e.url, err)
			continue
		}
		result := map[string]any{"status": e.status, "duration": e.duration}
		if err := apiCall(port, http.MethodPost, "/api/capture/events/"+t.ID+"/result", result, nil); err != nil {
			fmt.Printf("  ✗ %s %s: %s\n", e.method, e.url, err)
			continue
		}
		fmt.Printf("  → %-4s %-55s %d %v\n", e.method, truncate(e.url, 55), e.status, []string(t.Tags))
	}

	fmt.Println("\n  ✓ Mock traffic complete. Try `packetmind tx list` or `packetmind insights`.")
	return nil
}

func printTransactions(txs []txn.Transaction) {
	if len(txs) == 0 {
		fmt.Println("No transactions captured.")
		return
	}
	fmt.Printf("%-26s %-7s %-6s %-8s %-18s %s %s\n", "ID", "METHOD", "STATUS", "TIME", "TAGS", " ", "URL")
	fmt.Println(strings.Repeat("─", 110))
	for _, t := range txs {
		status, duration := "-", "-"
		if t.Status != nil {
			status = strconv.Itoa(*t.Status)
		}
		if t.Duration != nil {
			duration = fmt.Sprintf("%dms", *t.Duration)
		}
		fav := " "
		if t.Favorite {
			fav = "★"
		}
		fmt.Printf("%-26s %-7s %-6s %-8s %-18s %s %s\n",
			t.ID, t.Method, status, duration, truncate(strings.Join(t.Tags, ","), 18), fav, truncate(t.URL, 60))
	}
}

func printIndented(raw json.RawMessage) error {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err := os.Stdout.Write(out.Bytes())
	return err
}

// ─── Shared Helpers ───

var apiClient = &http.Client{Timeout: 2 * time.Minute}

// apiCall sends a JSON request to the management API. Error bodies are
// turned into errors carrying the server's code and message.
func apiCall(port int, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, fmt.Sprintf("http://localhost:%d%s", resolvePort(port), path), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := apiClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect (is PacketMind running?): %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := decodeJSON(resp, &apiErr); err != nil || apiErr.Error.Code == "" {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("%s: %s", apiErr.Error.Code, apiErr.Error.Message)
	}
	if out == nil {
		return nil
	}
	return decodeJSON(resp, out)
}

func findConfigFile() string {
	candidates := []string{
		"packetmind.yaml",
		"packetmind.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "packetmind", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func resolvePort(port int) int {
	if port == 0 {
		return defaultAPIPort
	}
	return port
}

func decodeJSON(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
