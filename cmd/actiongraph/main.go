package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/actiongraph/actiongraph/pkg/analyze"
	"github.com/actiongraph/actiongraph/pkg/cache"
	"github.com/actiongraph/actiongraph/pkg/config"
	"github.com/actiongraph/actiongraph/pkg/organization"
	"github.com/actiongraph/actiongraph/pkg/platform/github"
	"github.com/actiongraph/actiongraph/pkg/policies"
	"github.com/actiongraph/actiongraph/pkg/report"
	"github.com/actiongraph/actiongraph/pkg/rules"
	"github.com/actiongraph/actiongraph/pkg/sbom"
	"github.com/actiongraph/actiongraph/pkg/server"
	"github.com/actiongraph/actiongraph/pkg/workflow"
)

var version = "0.1.0"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "actiongraph",
		Version: version,
		Usage:   "GitHub Actions dependency graph security analyzer",
		Authors: []*cli.Author{
			{Name: "The actiongraph Authors"},
		},
		ArgsUsage: "[owner/repo]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Configuration file path (.actiongraph.yml)",
			},
			&cli.StringFlag{
				Name:  "ref",
				Usage: "Git ref to analyze (default branch when empty)",
			},
			&cli.StringFlag{
				Name:  "path",
				Usage: "Local checkout to read workflows from instead of the API",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Report format (cli, json, markdown, sarif, csv)",
			},
			&cli.StringFlag{
				Name:    "output-file",
				Aliases: []string{"f"},
				Usage:   "Write the report to a file instead of stdout",
			},
			&cli.StringFlag{
				Name:  "min-severity",
				Usage: "Minimum severity to report (WARNING, MEDIUM, HIGH, ERROR)",
			},
			&cli.StringSliceFlag{
				Name:    "enable-rules",
				Aliases: []string{"enable"},
				Usage:   "Run only these rules",
			},
			&cli.StringSliceFlag{
				Name:    "disable-rules",
				Aliases: []string{"disable"},
				Usage:   "Skip these rules",
			},
			&cli.StringFlag{
				Name:    "policy",
				Aliases: []string{"p"},
				Usage:   "Rego policy file or directory",
			},
			&cli.IntFlag{
				Name:  "max-depth",
				Usage: "Deepest transitive action level to analyze",
			},
			&cli.StringFlag{
				Name:  "cache-dir",
				Usage: "Directory for cached results and SBOMs",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Include every action and finding detail in the report",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format (text, json)",
			},
		},
		Action: runAnalyze,
		Commands: []*cli.Command{
			orgCommand(),
			sbomCommand(),
			serveCommand(),
			initPolicyCommand(),
			cacheCommand(),
		},
	}
}

func orgCommand() *cli.Command {
	return &cli.Command{
		Name:      "org",
		Usage:     "Analyze every public repository of an organization",
		ArgsUsage: "<organization>",
		Action:    runOrg,
	}
}

func sbomCommand() *cli.Command {
	return &cli.Command{
		Name:  "sbom",
		Usage: "Fetch and summarize dependency-graph SBOMs",
		Subcommands: []*cli.Command{
			{
				Name:      "fetch",
				Usage:     "Fetch and store the SBOM of a repository or organization",
				ArgsUsage: "[owner/repo]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "org",
						Usage: "Fetch the SBOM of every public repository of an organization",
					},
				},
				Action: runSBOMFetch,
			},
			{
				Name:  "stats",
				Usage: "Summarize the stored SBOMs",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of top dependencies to show",
						Value: 10,
					},
					&cli.StringFlag{
						Name:  "export-csv",
						Usage: "Write the dependency counts to a CSV file",
					},
				},
				Action: runSBOMStats,
			},
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the analysis HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address",
			},
		},
		Action: runServe,
	}
}

func initPolicyCommand() *cli.Command {
	return &cli.Command{
		Name:      "init-policy",
		Usage:     "Create an example rego policy file",
		ArgsUsage: "[path]",
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				path = "policies/example.rego"
			}
			if err := policies.CreateExamplePolicy(afero.NewOsFs(), path); err != nil {
				return fmt.Errorf("create example policy: %w", err)
			}
			fmt.Printf("Example policy written to %s\n", path)
			return nil
		},
	}
}

func cacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Inspect the local result cache",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List cached entries",
				Action: runCacheList,
			},
			{
				Name:   "clear",
				Usage:  "Remove every cached entry",
				Action: runCacheClear,
			},
		},
	}
}

// settings bundles what every command needs: the merged configuration,
// the parsed environment, the logger and the filesystem.
type settings struct {
	cfg *config.Config
	env config.Environment
	log *logrus.Entry
	fs  afero.Fs
}

func loadSettings(c *cli.Context) (*settings, error) {
	env, err := config.LoadEnvironment()
	if err != nil {
		return nil, err
	}

	fs := afero.NewOsFs()
	cfg, err := config.Load(fs, c.String("config"))
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvironment(env)

	// Command-line flags override both file and environment.
	if c.IsSet("output") {
		cfg.Output.Format = c.String("output")
	}
	if c.IsSet("output-file") {
		cfg.Output.File = c.String("output-file")
	}
	if c.IsSet("min-severity") {
		cfg.Output.MinSeverity = c.String("min-severity")
	}
	if c.IsSet("max-depth") {
		cfg.Analysis.MaxDepth = c.Int("max-depth")
	}
	if c.IsSet("cache-dir") {
		cfg.Analysis.CacheDir = c.String("cache-dir")
	}
	cfg.Rules.Enabled = append(cfg.Rules.Enabled, c.StringSlice("enable-rules")...)
	cfg.Rules.Disabled = append(cfg.Rules.Disabled, c.StringSlice("disable-rules")...)

	return &settings{
		cfg: cfg,
		env: env,
		log: newLogger(c, env),
		fs:  fs,
	}, nil
}

func newLogger(c *cli.Context, env config.Environment) *logrus.Entry {
	logger := logrus.New()

	level := c.String("log-level")
	if level == "" {
		level = env.LogLevel
	}
	if level != "" {
		if parsed, err := logrus.ParseLevel(level); err == nil {
			logger.SetLevel(parsed)
		} else {
			logger.Warnf("unknown log level %q, using %s", level, logger.GetLevel())
		}
	}

	format := c.String("log-format")
	if format == "" {
		format = env.LogFormat
	}
	if strings.EqualFold(format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return logrus.NewEntry(logger)
}

func (s *settings) client() *github.Client {
	return github.NewClient(s.env.Token)
}

// cachePath is the configured cache directory, falling back to the user
// cache dir.
func (s *settings) cachePath() string {
	if s.cfg.Analysis.CacheDir != "" {
		return s.cfg.Analysis.CacheDir
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "actiongraph")
	}
	return ".actiongraph-cache"
}

func runAnalyze(c *cli.Context) error {
	started := time.Now()

	s, err := loadSettings(c)
	if err != nil {
		return err
	}
	cfg := s.cfg

	localPath := c.String("path")
	target := c.Args().First()
	if localPath == "" && target == "" {
		return fmt.Errorf("specify a repository as owner/repo or a local checkout with --path")
	}

	// Decorated status lines would corrupt a report streamed to stdout.
	chatty := strings.EqualFold(cfg.Output.Format, "cli") || cfg.Output.File != ""
	if chatty {
		fmt.Println("🔍 actiongraph - GitHub Actions dependency analyzer")
		if localPath != "" {
			fmt.Printf("Local checkout: %s\n", localPath)
		} else {
			fmt.Printf("Repository: %s\n", target)
		}
		fmt.Println("=======================================")
	}

	client := s.client()
	analyzer := analyze.New(client, analyze.Options{MaxDepth: cfg.Analysis.MaxDepth, Logger: s.log})

	var progress analyze.ProgressFunc
	if chatty {
		progress = progressPrinter(os.Stdout)
	}

	ctx := c.Context
	ref := c.String("ref")

	var result *analyze.Result
	if localPath != "" {
		files, err := workflow.DiscoverLocal(s.fs, localPath)
		if err != nil {
			return fmt.Errorf("discover workflows in %s: %w", localPath, err)
		}
		if chatty {
			fmt.Printf("Found %d workflow files.\n", len(files))
		}
		repoName := target
		if repoName == "" {
			repoName = filepath.Base(filepath.Clean(localPath))
		}
		result = analyzer.AnalyzeWorkflows(ctx, repoName, ref, files, progress)
	} else {
		owner, repo, err := splitRepo(target)
		if err != nil {
			return err
		}
		result, err = analyzer.AnalyzeRepository(ctx, owner, repo, ref, progress)
		if err != nil {
			return fmt.Errorf("analyze %s: %w", target, err)
		}
	}

	if policyPath := c.String("policy"); policyPath != "" {
		files, err := policies.LoadPolicyFiles(s.fs, policyPath)
		if err != nil {
			return err
		}
		if chatty {
			fmt.Printf("Loaded %d policy files.\n", len(files))
		}
		engine := policies.NewEngine(s.fs, files)
		n, err := engine.Apply(ctx, result)
		if err != nil {
			return fmt.Errorf("apply policies: %w", err)
		}
		s.log.WithField("violations", n).Debug("policies evaluated")
	}

	applyFilters(cfg, result)
	persistResult(s, resultKey(result.Repository, ref), result)
	logRateBudget(ctx, s, client)

	generator := report.NewGenerator(result, cfg.Output.Format, c.Bool("verbose"), cfg.Output.File)
	if err := generator.Generate(); err != nil {
		return fmt.Errorf("generate report: %w", err)
	}

	if chatty {
		counts := result.Summary.FindingsBySeverity
		fmt.Printf("\n✅ Analysis completed in %s\n", time.Since(started).Round(time.Millisecond))
		fmt.Printf("Found %d findings (%d error, %d high, %d medium, %d warning)\n",
			len(result.Findings), counts[rules.Error], counts[rules.High], counts[rules.Medium], counts[rules.Warning])
	}
	return nil
}

func runOrg(c *cli.Context) error {
	s, err := loadSettings(c)
	if err != nil {
		return err
	}
	cfg := s.cfg

	org := c.Args().First()
	if org == "" {
		return fmt.Errorf("specify an organization name")
	}

	format := strings.ToLower(cfg.Output.Format)
	if format != "cli" && format != "json" {
		return fmt.Errorf("organization results support cli or json output, not %s", cfg.Output.Format)
	}
	chatty := format == "cli" || cfg.Output.File != ""

	if chatty {
		fmt.Println("🔍 actiongraph - GitHub Actions dependency analyzer")
		fmt.Printf("Organization: %s\n", org)
		fmt.Println("=======================================")
	}

	client := s.client()
	analyzer := organization.New(client, organization.Options{MaxDepth: cfg.Analysis.MaxDepth, Logger: s.log})

	var progress analyze.ProgressFunc
	if chatty {
		progress = progressPrinter(os.Stdout)
	}

	ctx := c.Context
	result, err := analyzer.AnalyzeOrganization(ctx, org, progress)
	if err != nil {
		return fmt.Errorf("analyze organization %s: %w", org, err)
	}

	persistResult(s, "org/"+org, result)
	logRateBudget(ctx, s, client)

	if format == "json" {
		return writeJSON(s.fs, os.Stdout, result, cfg.Output.File)
	}
	renderOrgResult(os.Stdout, result)
	return nil
}

func runSBOMFetch(c *cli.Context) error {
	s, err := loadSettings(c)
	if err != nil {
		return err
	}

	store, err := cache.NewFileStore(s.fs, s.cachePath())
	if err != nil {
		return fmt.Errorf("open cache at %s: %w", s.cachePath(), err)
	}
	service := sbom.NewService(s.client(), store, sbom.Options{Logger: s.log})
	ctx := c.Context

	if org := c.String("org"); org != "" {
		summary, err := service.FetchOrganization(ctx, org, progressPrinter(os.Stdout))
		if err != nil {
			return fmt.Errorf("fetch SBOMs of %s: %w", org, err)
		}
		fmt.Printf("Stored %d SBOMs (%d repositories, %d without dependency graph, %d failed)\n",
			summary.Stored, summary.Repositories, summary.Absent, len(summary.Failures))
		for _, f := range summary.Failures {
			fmt.Printf("  %s: %s\n", f.Repository, f.Error)
		}
		return nil
	}

	owner, repo, err := splitRepo(c.Args().First())
	if err != nil {
		return err
	}
	doc, err := service.FetchRepository(ctx, owner, repo)
	if err != nil {
		return fmt.Errorf("fetch SBOM of %s/%s: %w", owner, repo, err)
	}
	if doc == nil {
		fmt.Printf("Dependency graph unavailable for %s/%s\n", owner, repo)
		return nil
	}
	fmt.Printf("Stored SBOM of %s (%d packages)\n", doc.Repository, len(doc.Packages))
	return nil
}

func runSBOMStats(c *cli.Context) error {
	s, err := loadSettings(c)
	if err != nil {
		return err
	}

	store, err := cache.NewFileStore(s.fs, s.cachePath())
	if err != nil {
		return fmt.Errorf("open cache at %s: %w", s.cachePath(), err)
	}
	service := sbom.NewService(nil, store, sbom.Options{Logger: s.log})

	stats, err := service.Stats(c.Int("limit"))
	if err != nil {
		return fmt.Errorf("compute SBOM statistics: %w", err)
	}
	if stats.SBOMCount == 0 {
		fmt.Println("No stored SBOMs. Run `actiongraph sbom fetch` first.")
		return nil
	}
	renderSBOMStats(os.Stdout, stats)

	if path := c.String("export-csv"); path != "" {
		// The export carries the full leaderboard, not the display cut.
		full, err := service.Stats(1000)
		if err != nil {
			return fmt.Errorf("compute SBOM statistics: %w", err)
		}
		if err := exportDependencyCSV(s.fs, full, path); err != nil {
			return err
		}
		fmt.Printf("Dependency counts written to %s\n", path)
	}
	return nil
}

func runServe(c *cli.Context) error {
	s, err := loadSettings(c)
	if err != nil {
		return err
	}

	addr := s.cfg.Server.Addr
	if c.IsSet("addr") {
		addr = c.String("addr")
	}

	srv := server.New(s.client(), server.Options{MaxDepth: s.cfg.Analysis.MaxDepth, Logger: s.log})
	defer srv.Close()
	return srv.ListenAndServe(addr)
}

func runCacheList(c *cli.Context) error {
	s, err := loadSettings(c)
	if err != nil {
		return err
	}

	store, err := cache.NewFileStore(s.fs, s.cachePath())
	if err != nil {
		return fmt.Errorf("open cache at %s: %w", s.cachePath(), err)
	}
	keys, err := store.Keys()
	if err != nil {
		return fmt.Errorf("list cache entries: %w", err)
	}
	if len(keys) == 0 {
		fmt.Printf("Cache at %s is empty.\n", s.cachePath())
		return nil
	}
	for _, key := range keys {
		fmt.Println(key)
	}
	fmt.Printf("%d entries in %s\n", len(keys), s.cachePath())
	return nil
}

func runCacheClear(c *cli.Context) error {
	s, err := loadSettings(c)
	if err != nil {
		return err
	}

	store, err := cache.NewFileStore(s.fs, s.cachePath())
	if err != nil {
		return fmt.Errorf("open cache at %s: %w", s.cachePath(), err)
	}
	keys, err := store.Keys()
	if err != nil {
		return fmt.Errorf("list cache entries: %w", err)
	}
	for _, key := range keys {
		if err := store.Delete(key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	fmt.Printf("Removed %d entries from %s\n", len(keys), s.cachePath())
	return nil
}

// progressPrinter renders progress events as indented status lines.
func progressPrinter(out io.Writer) analyze.ProgressFunc {
	style := color.New(color.FgCyan)
	return func(p analyze.Progress) {
		if p.Message == "" {
			return
		}
		style.Fprintf(out, "  [%d/%d] %s %s\n", p.Processed+1, p.Total, phaseLabel(p.Phase), p.Message)
	}
}

func phaseLabel(phase string) string {
	switch phase {
	case analyze.PhaseScanningWorkflows:
		return "scanning"
	case analyze.PhaseAnalyzingActions:
		return "analyzing"
	case organization.PhaseAnalyzingRepositories:
		return "repository"
	case sbom.PhaseFetchingSBOMs:
		return "sbom"
	}
	return phase
}

func splitRepo(target string) (string, string, error) {
	trimmed := strings.TrimPrefix(target, "https://github.com/")
	trimmed = strings.TrimPrefix(trimmed, "github.com/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository must be owner/repo, got %q", target)
	}
	return parts[0], parts[1], nil
}

// applyFilters drops findings per the configuration and recomputes the
// tallies so every report format agrees with the filtered list.
func applyFilters(cfg *config.Config, result *analyze.Result) {
	result.Findings = cfg.FilterFindings(result.Findings)
	result.FindingsByType = rules.CountByRule(result.Findings)
	result.Summary.FindingsBySeverity = rules.CountBySeverity(result.Findings)
}

func resultKey(repository, ref string) string {
	if ref != "" {
		return "result/" + repository + "@" + ref
	}
	return "result/" + repository
}

// persistResult caches a result when a cache directory is configured.
// Cache failures are logged, never fatal.
func persistResult(s *settings, key string, value any) {
	dir := s.cfg.Analysis.CacheDir
	if dir == "" {
		return
	}
	store, err := cache.NewFileStore(s.fs, dir)
	if err == nil {
		var data []byte
		if data, err = json.Marshal(value); err == nil {
			err = store.Set(key, data)
		}
	}
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("result cache write failed")
		return
	}
	s.log.WithFields(logrus.Fields{"key": key, "dir": dir}).Debug("result cached")
}

func logRateBudget(ctx context.Context, s *settings, client *github.Client) {
	info, err := client.RateLimit(ctx)
	if err != nil {
		s.log.WithError(err).Debug("rate limit lookup failed")
		return
	}
	s.log.WithFields(logrus.Fields{
		"remaining": info.Remaining,
		"limit":     info.Limit,
		"reset":     info.Reset,
	}).Debug("api rate budget")
}

func writeJSON(fs afero.Fs, out io.Writer, v any, filePath string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	data = append(data, '\n')
	if filePath != "" {
		if err := afero.WriteFile(fs, filePath, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", filePath, err)
		}
		fmt.Printf("Organization report written to %s\n", filePath)
		return nil
	}
	_, err = out.Write(data)
	return err
}

func renderOrgResult(out io.Writer, result *organization.Result) {
	titleStyle := color.New(color.FgHiCyan, color.Bold)
	subtitleStyle := color.New(color.FgCyan, color.Bold)
	infoStyle := color.New(color.FgBlue)

	fmt.Fprintln(out)
	titleStyle.Fprintln(out, "╔═══════════════════════════════════════════╗")
	titleStyle.Fprintln(out, "║        ACTIONGRAPH ORGANIZATION RUN       ║")
	titleStyle.Fprintln(out, "╚═══════════════════════════════════════════╝")

	fmt.Fprintln(out)
	infoStyle.Fprintf(out, "%-20s ", "Organization:")
	fmt.Fprintln(out, result.Organization)
	infoStyle.Fprintf(out, "%-20s ", "Repositories:")
	fmt.Fprintf(out, "%d analyzed, %d failed (of %d)\n",
		result.Summary.RepositoriesAnalyzed, result.Summary.RepositoriesFailed, result.TotalRepositories)
	infoStyle.Fprintf(out, "%-20s ", "Actions:")
	fmt.Fprintln(out, result.Summary.TotalActions)
	infoStyle.Fprintf(out, "%-20s ", "Findings:")
	fmt.Fprintln(out, result.Summary.TotalFindings)
	infoStyle.Fprintf(out, "%-20s ", "Duration:")
	fmt.Fprintln(out, result.Duration.Round(time.Millisecond))

	if len(result.Summary.FindingsBySeverity) > 0 {
		fmt.Fprintln(out)
		subtitleStyle.Fprintln(out, "► FINDINGS BY SEVERITY")
		for _, severity := range []rules.Severity{rules.Error, rules.High, rules.Medium, rules.Warning} {
			if n := result.Summary.FindingsBySeverity[severity]; n > 0 {
				fmt.Fprintf(out, "  %-10s %d\n", severity, n)
			}
		}
	}

	if len(result.Summary.TopRules) > 0 {
		fmt.Fprintln(out)
		subtitleStyle.Fprintln(out, "► TOP RULES")
		table := tablewriter.NewWriter(out)
		table.SetHeader([]string{"Rule", "Severity", "Findings", "Repositories"})
		table.SetBorder(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		for _, rc := range result.Summary.TopRules {
			table.Append([]string{rc.RuleID, string(rc.Severity), strconv.Itoa(rc.Count), strconv.Itoa(len(rc.Repositories))})
		}
		table.Render()
	}

	if len(result.Summary.TopActions) > 0 {
		fmt.Fprintln(out)
		subtitleStyle.Fprintln(out, "► TOP ACTIONS")
		table := tablewriter.NewWriter(out)
		table.SetHeader([]string{"Action", "Repositories"})
		table.SetBorder(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		for _, ac := range result.Summary.TopActions {
			table.Append([]string{ac.Slug, strconv.Itoa(ac.Count)})
		}
		table.Render()
	}

	if len(result.Errors) > 0 {
		fmt.Fprintln(out)
		subtitleStyle.Fprintln(out, "► FAILED REPOSITORIES")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  %s: %s\n", e.Repository, e.Error)
		}
	}
	fmt.Fprintln(out)
}

func renderSBOMStats(out io.Writer, stats *sbom.Stats) {
	subtitleStyle := color.New(color.FgCyan, color.Bold)
	infoStyle := color.New(color.FgBlue)

	fmt.Fprintln(out)
	subtitleStyle.Fprintln(out, "► SBOM STATISTICS")
	fmt.Fprintln(out, strings.Repeat("━", 49))
	infoStyle.Fprintf(out, "%-20s ", "Stored SBOMs:")
	fmt.Fprintln(out, stats.SBOMCount)
	infoStyle.Fprintf(out, "%-20s ", "Unique packages:")
	fmt.Fprintln(out, stats.UniquePackages)
	infoStyle.Fprintf(out, "%-20s ", "Total occurrences:")
	fmt.Fprintln(out, stats.TotalOccurrences)

	if len(stats.TopPackages) > 0 {
		fmt.Fprintln(out)
		subtitleStyle.Fprintln(out, "► TOP DEPENDENCIES")
		table := tablewriter.NewWriter(out)
		table.SetHeader([]string{"Package", "Occurrences", "Versions", "Newest"})
		table.SetBorder(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		for _, p := range stats.TopPackages {
			table.Append([]string{
				sbom.DisplayName(p.Name),
				strconv.Itoa(p.Occurrences),
				strconv.Itoa(len(p.Versions)),
				p.Newest,
			})
		}
		table.Render()
	}

	if len(stats.Licenses) > 0 {
		fmt.Fprintln(out)
		subtitleStyle.Fprintln(out, "► LICENSES")
		type licenseCount struct {
			name  string
			count int
		}
		counts := make([]licenseCount, 0, len(stats.Licenses))
		for name, n := range stats.Licenses {
			counts = append(counts, licenseCount{name: name, count: n})
		}
		sort.Slice(counts, func(i, j int) bool {
			if counts[i].count != counts[j].count {
				return counts[i].count > counts[j].count
			}
			return counts[i].name < counts[j].name
		})
		if len(counts) > 10 {
			counts = counts[:10]
		}
		for _, lc := range counts {
			fmt.Fprintf(out, "  %-30s %d\n", lc.name, lc.count)
		}
	}
	fmt.Fprintln(out)
}

// exportDependencyCSV mirrors the dependencies.csv export: one row per
// package with its occurrence count.
func exportDependencyCSV(fs afero.Fs, stats *sbom.Stats, path string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"Dependency Name", "Occurrence Count"}); err != nil {
		return fmt.Errorf("encode csv: %w", err)
	}
	for _, p := range stats.TopPackages {
		if err := w.Write([]string{sbom.DisplayName(p.Name), strconv.Itoa(p.Occurrences)}); err != nil {
			return fmt.Errorf("encode csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode csv: %w", err)
	}
	if err := afero.WriteFile(fs, path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
