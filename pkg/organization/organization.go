package organization

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/actiongraph/actiongraph/pkg/analyze"
	"github.com/actiongraph/actiongraph/pkg/platform"
	"github.com/actiongraph/actiongraph/pkg/rules"
)

// PhaseAnalyzingRepositories is the progress phase emitted once per
// repository of an organization run.
const PhaseAnalyzingRepositories = "analyzing-repositories"

// Pacing defaults: consult the rate budget every DefaultCheckInterval
// repositories and pause until reset when fewer than DefaultRateFloor
// calls remain.
const (
	DefaultCheckInterval = 20
	DefaultRateFloor     = 10
)

// topN caps the per-rule and per-action leaderboards in the summary.
const topN = 10

// Client is the platform surface an organization run needs: the core
// read-only client plus repository enumeration and the rate budget.
type Client interface {
	platform.Client
	ListOrgRepositories(ctx context.Context, org string) ([]*platform.Repository, error)
	RateLimit(ctx context.Context) (*platform.RateInfo, error)
}

// RepositoryResult is the outcome of one repository of the run.
type RepositoryResult struct {
	Repository *platform.Repository `json:"repository"`
	Result     *analyze.Result      `json:"result,omitempty"`
	Error      string               `json:"error,omitempty"`
	Duration   time.Duration        `json:"duration"`
}

// RepositoryError pairs a repository with the failure that kept it from
// being analyzed.
type RepositoryError struct {
	Repository string `json:"repository"`
	Error      string `json:"error"`
}

// RuleCount aggregates one rule across the organization.
type RuleCount struct {
	RuleID       string         `json:"ruleId"`
	RuleName     string         `json:"ruleName"`
	Severity     rules.Severity `json:"severity"`
	Count        int            `json:"count"`
	Repositories []string       `json:"repositories"`
}

// ActionCount counts the repositories whose workflows reference an action.
type ActionCount struct {
	Slug  string `json:"slug"`
	Count int    `json:"count"`
}

// Summary aggregates an organization run.
type Summary struct {
	RepositoriesAnalyzed int                    `json:"repositoriesAnalyzed"`
	RepositoriesFailed   int                    `json:"repositoriesFailed"`
	TotalActions         int                    `json:"totalActions"`
	TotalFindings        int                    `json:"totalFindings"`
	FindingsBySeverity   map[rules.Severity]int `json:"findingsBySeverity"`
	TopRules             []RuleCount            `json:"topRules,omitempty"`
	TopActions           []ActionCount          `json:"topActions,omitempty"`
}

// Result is a full organization analysis.
type Result struct {
	Organization      string             `json:"organization"`
	StartedAt         time.Time          `json:"startedAt"`
	Duration          time.Duration      `json:"duration"`
	TotalRepositories int                `json:"totalRepositories"`
	Repositories      []RepositoryResult `json:"repositories"`
	Errors            []RepositoryError  `json:"errors,omitempty"`
	Summary           Summary            `json:"summary"`
}

// Options configures an organization Analyzer.
type Options struct {
	// MaxDepth is forwarded to every per-repository analyzer.
	MaxDepth int
	Logger   *logrus.Entry
	// CheckInterval is the number of repositories between rate-limit
	// checks. Zero selects DefaultCheckInterval.
	CheckInterval int
	// RateFloor is the remaining-call count under which the run pauses
	// until the budget resets. Zero selects DefaultRateFloor.
	RateFloor int
	// Sleep is swappable for tests. Nil selects time.Sleep.
	Sleep func(time.Duration)
}

// Analyzer analyzes every repository of an organization, strictly
// sequentially, pacing itself against the API rate budget. Each
// repository gets a fresh repository analyzer, so findings never carry
// workflow locations from another repository.
type Analyzer struct {
	client        Client
	log           *logrus.Entry
	maxDepth      int
	checkInterval int
	rateFloor     int
	sleep         func(time.Duration)
}

// New returns an organization analyzer for the given platform client.
func New(client Client, opts Options) *Analyzer {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	checkInterval := opts.CheckInterval
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	rateFloor := opts.RateFloor
	if rateFloor <= 0 {
		rateFloor = DefaultRateFloor
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Analyzer{
		client:        client,
		log:           log.WithField("component", "organization"),
		maxDepth:      opts.MaxDepth,
		checkInterval: checkInterval,
		rateFloor:     rateFloor,
		sleep:         sleep,
	}
}

// AnalyzeOrganization analyzes every public repository of org. Per-repo
// failures are recorded and the run continues; only a failing repository
// listing is an error, because then there is nothing to analyze.
func (a *Analyzer) AnalyzeOrganization(ctx context.Context, org string, progress analyze.ProgressFunc) (*Result, error) {
	started := time.Now()

	repos, err := a.client.ListOrgRepositories(ctx, org)
	if err != nil {
		return nil, fmt.Errorf("list repositories of %s: %w", org, err)
	}
	a.log.WithFields(logrus.Fields{"organization": org, "repositories": len(repos)}).Info("starting organization run")

	result := &Result{
		Organization:      org,
		StartedAt:         started,
		TotalRepositories: len(repos),
	}
	notify := func(p analyze.Progress) {
		if progress != nil {
			progress(p)
		}
	}

	for i, repo := range repos {
		if ctx.Err() != nil {
			a.log.WithError(ctx.Err()).Warn("organization run cancelled, returning partial result")
			break
		}
		if i > 0 && i%a.checkInterval == 0 {
			a.pace(ctx)
		}
		notify(analyze.Progress{Phase: PhaseAnalyzingRepositories, Message: repo.FullName, Processed: i, Total: len(repos)})

		rr := a.analyzeRepository(ctx, repo)
		result.Repositories = append(result.Repositories, rr)
		if rr.Error != "" {
			result.Errors = append(result.Errors, RepositoryError{Repository: repo.FullName, Error: rr.Error})
		}
	}
	notify(analyze.Progress{Phase: PhaseAnalyzingRepositories, Processed: len(result.Repositories), Total: len(repos)})

	result.Summary = summarize(result.Repositories)
	result.Duration = time.Since(started)
	return result, nil
}

func (a *Analyzer) analyzeRepository(ctx context.Context, repo *platform.Repository) RepositoryResult {
	started := time.Now()
	out := RepositoryResult{Repository: repo}

	analyzer := analyze.New(a.client, analyze.Options{MaxDepth: a.maxDepth, Logger: a.log})
	res, err := analyzer.AnalyzeRepository(ctx, repo.Owner, repo.Name, "", nil)
	if err != nil {
		a.log.WithError(err).WithField("repository", repo.FullName).Warn("repository analysis failed")
		out.Error = err.Error()
	} else {
		out.Result = res
	}
	out.Duration = time.Since(started)
	return out
}

// pace consults the remaining API budget and sleeps until reset when it
// runs low. A failing budget lookup never stops the run.
func (a *Analyzer) pace(ctx context.Context) {
	info, err := a.client.RateLimit(ctx)
	if err != nil {
		a.log.WithError(err).Debug("rate limit lookup failed")
		return
	}
	if info.Remaining >= a.rateFloor {
		return
	}
	wait := time.Until(info.Reset) + time.Second
	if wait <= 0 {
		return
	}
	a.log.WithFields(logrus.Fields{"remaining": info.Remaining, "reset": info.Reset}).
		Warn("rate budget low, pausing until reset")
	a.sleep(wait)
}

type ruleTally struct {
	count int
	repos map[string]bool
}

func summarize(results []RepositoryResult) Summary {
	s := Summary{FindingsBySeverity: make(map[rules.Severity]int)}

	byRule := make(map[string]*ruleTally)
	actionRepos := make(map[string]map[string]bool)

	for _, rr := range results {
		if rr.Error != "" {
			s.RepositoriesFailed++
			continue
		}
		s.RepositoriesAnalyzed++

		res := rr.Result
		s.TotalActions += res.Summary.TotalActions
		s.TotalFindings += len(res.Findings)
		for severity, n := range res.Summary.FindingsBySeverity {
			s.FindingsBySeverity[severity] += n
		}

		for _, f := range res.Findings {
			tally := byRule[f.RuleID]
			if tally == nil {
				tally = &ruleTally{repos: make(map[string]bool)}
				byRule[f.RuleID] = tally
			}
			tally.count++
			tally.repos[rr.Repository.FullName] = true
		}

		for _, node := range res.Actions {
			slug := node.Owner + "/" + node.Repo
			if node.Path != "" {
				slug += "/" + node.Path
			}
			if actionRepos[slug] == nil {
				actionRepos[slug] = make(map[string]bool)
			}
			actionRepos[slug][rr.Repository.FullName] = true
		}
	}

	s.TopRules = topRules(byRule)
	s.TopActions = topActions(actionRepos)
	return s
}

func topRules(byRule map[string]*ruleTally) []RuleCount {
	out := make([]RuleCount, 0, len(byRule))
	for id, tally := range byRule {
		rc := RuleCount{RuleID: id, Count: tally.count}
		if d, ok := rules.Describe(id); ok {
			rc.RuleName = d.Name
			rc.Severity = d.DefaultSeverity
		}
		for repo := range tally.repos {
			rc.Repositories = append(rc.Repositories, repo)
		}
		sort.Strings(rc.Repositories)
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].RuleID < out[j].RuleID
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

func topActions(actionRepos map[string]map[string]bool) []ActionCount {
	out := make([]ActionCount, 0, len(actionRepos))
	for slug, repos := range actionRepos {
		out = append(out, ActionCount{Slug: slug, Count: len(repos)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Slug < out[j].Slug
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}
