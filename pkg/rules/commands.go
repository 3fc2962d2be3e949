package rules

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Context tells the command checks where a shell command runs. The same
// behavior maps to different rule IDs depending on whether it sits in a
// workflow run step, a Dockerfile RUN instruction or a composite action
// step.
type Context string

const (
	ContextWorkflow  Context = "workflow"
	ContextDocker    Context = "docker"
	ContextComposite Context = "composite"
)

func (c Context) installRule() string {
	switch c {
	case ContextDocker:
		return RuleDockerUnpinnedDeps
	case ContextComposite:
		return RuleCompositeUnpinnedDeps
	default:
		return RuleUnpinnedPackageInstall
	}
}

func (c Context) remoteCodeRule() string {
	switch c {
	case ContextDocker:
		return RuleDockerRemoteCode
	case ContextComposite:
		return RuleCompositeRemoteCode
	default:
		return RuleRemoteCodeNoIntegrity
	}
}

// installCommand is a package-manager invocation that pulls dependencies
// into the build.
type installCommand struct {
	program    string
	subcommand string
}

var installCommands = []installCommand{
	{"apt-get", "install"},
	{"apk", "add"},
	{"yum", "install"},
	{"dnf", "install"},
	{"pip", "install"},
	{"pip3", "install"},
	{"npm", "install"},
	{"yarn", "add"},
}

// lockfileMarkers suppress unpinned-install findings when the command
// resolves versions from a lockfile or requires hashes.
var lockfileMarkers = []string{
	"--require-hashes",
	"package-lock.json",
	"--frozen-lockfile",
}

// integrityKeywords suppress remote-code findings anywhere in the script,
// comments included. Their presence signals the author verifies what they
// download.
var integrityKeywords = []string{
	"sha256",
	"sha512",
	"sha1",
	"md5",
	"gpg",
	"--checksum",
	"--verify",
}

var downloaders = map[string]bool{
	"curl": true,
	"wget": true,
}

var interpreters = map[string]bool{
	"sh":      true,
	"bash":    true,
	"zsh":     true,
	"dash":    true,
	"ksh":     true,
	"python":  true,
	"python2": true,
	"python3": true,
	"perl":    true,
	"ruby":    true,
	"node":    true,
}

// wrappers are prefix programs stripped before classifying a call.
var wrappers = map[string]bool{
	"sudo":    true,
	"env":     true,
	"command": true,
	"exec":    true,
}

// CheckCommand inspects one shell command for unpinned package installs
// and for remote code executed without an integrity check. The script is
// parsed as shell where possible; text that does not parse falls back to
// pattern matching so templated or partial commands still get inspected.
func CheckCommand(script string, ctx Context, actionKey string) []Finding {
	if strings.TrimSpace(script) == "" {
		return nil
	}

	integrity := hasIntegrityKeyword(script)
	lockfile := hasLockfileMarker(script)

	file, err := syntax.NewParser().Parse(strings.NewReader(script), "")
	if err != nil {
		return checkCommandText(script, ctx, actionKey, integrity, lockfile)
	}

	c := commandChecker{
		script:    script,
		context:   ctx,
		actionKey: actionKey,
		integrity: integrity,
		lockfile:  lockfile,
		flagged:   make(map[int]bool),
	}
	syntax.Walk(file, c.visit)
	c.finishDownloadThenExecute()
	return c.findings
}

type commandChecker struct {
	script    string
	context   Context
	actionKey string
	integrity bool
	lockfile  bool

	findings []Finding
	flagged  map[int]bool // lines already carrying a remote-code finding

	downloadLine int  // first downloader call, 0 if none
	executeLine  int  // first interpreter-with-file call after parsing
	sawDownload  bool
	sawExecute   bool
}

func (c *commandChecker) visit(node syntax.Node) bool {
	switch n := node.(type) {
	case *syntax.BinaryCmd:
		if n.Op == syntax.Pipe || n.Op == syntax.PipeAll {
			c.checkPipe(n)
		}
	case *syntax.CallExpr:
		c.checkCall(n)
	}
	return true
}

// checkPipe flags download | interpreter pipelines.
func (c *commandChecker) checkPipe(n *syntax.BinaryCmd) {
	left := headProgram(n.X)
	right := headProgram(n.Y)
	if !downloaders[left] || !interpreters[right] {
		return
	}
	line := int(n.X.Pos().Line())
	c.flagRemoteCode(line)
}

func (c *commandChecker) checkCall(call *syntax.CallExpr) {
	tokens := stripWrappers(literalWords(call))
	if len(tokens) == 0 {
		return
	}
	line := int(call.Pos().Line())
	program := path.Base(tokens[0])

	if downloaders[program] && !c.sawDownload {
		c.sawDownload = true
		c.downloadLine = line
	}
	if c.isFileExecution(program, tokens) && !c.sawExecute {
		c.sawExecute = true
		c.executeLine = line
	}

	c.checkInstall(program, tokens, line)
}

// isFileExecution reports whether a call runs a script file: an
// interpreter with a file operand, or a direct ./path invocation.
func (c *commandChecker) isFileExecution(program string, tokens []string) bool {
	if strings.HasPrefix(tokens[0], "./") {
		return true
	}
	if !interpreters[program] {
		return false
	}
	for _, arg := range tokens[1:] {
		if arg == "" || strings.HasPrefix(arg, "-") {
			continue
		}
		return true
	}
	return false
}

// finishDownloadThenExecute emits one remote-code finding when the script
// downloads in one statement and executes in another.
func (c *commandChecker) finishDownloadThenExecute() {
	if !c.sawDownload || !c.sawExecute {
		return
	}
	c.flagRemoteCode(c.executeLine)
}

func (c *commandChecker) flagRemoteCode(line int) {
	if c.integrity || c.flagged[line] {
		return
	}
	c.flagged[line] = true
	c.findings = append(c.findings, remoteCodeFinding(c.context, c.actionKey, scriptLine(c.script, line), line))
}

func (c *commandChecker) checkInstall(program string, tokens []string, line int) {
	if c.lockfile {
		return
	}
	if program == "npm" && len(tokens) > 1 && tokens[1] == "ci" {
		return
	}
	for _, install := range installCommands {
		if program != install.program {
			continue
		}
		if !hasSubcommand(tokens, install.subcommand) {
			continue
		}
		if installIsPinned(tokens, install.subcommand) {
			return
		}
		c.findings = append(c.findings, installFinding(c.context, c.actionKey, install, scriptLine(c.script, line), line))
		return
	}
}

// hasSubcommand reports whether the subcommand appears after the program,
// skipping option tokens.
func hasSubcommand(tokens []string, sub string) bool {
	for _, tok := range tokens[1:] {
		if strings.HasPrefix(tok, "-") {
			continue
		}
		return tok == sub
	}
	return false
}

// installIsPinned reports whether every package operand after the
// subcommand carries a version pin (==, @version or =). A command with no
// package operands installs whatever the manifest says and counts as
// unpinned.
func installIsPinned(tokens []string, sub string) bool {
	seen := false
	packages := 0
	for _, tok := range tokens[1:] {
		if !seen {
			if tok == sub {
				seen = true
			}
			continue
		}
		if tok == "" || strings.HasPrefix(tok, "-") {
			continue
		}
		packages++
		if !strings.Contains(tok, "==") && !strings.Contains(tok, "@") && !strings.Contains(tok, "=") {
			return false
		}
	}
	return packages > 0
}

// headProgram resolves the first program of a statement, descending into
// the left side of nested pipelines.
func headProgram(s *syntax.Stmt) string {
	if s == nil {
		return ""
	}
	switch cmd := s.Cmd.(type) {
	case *syntax.CallExpr:
		tokens := stripWrappers(literalWords(cmd))
		if len(tokens) == 0 {
			return ""
		}
		return path.Base(tokens[0])
	case *syntax.BinaryCmd:
		if cmd.Op == syntax.Pipe || cmd.Op == syntax.PipeAll {
			return headProgram(cmd.X)
		}
	}
	return ""
}

// literalWords flattens a call into plain strings. Words built from
// expansions come back empty and are ignored by the callers.
func literalWords(call *syntax.CallExpr) []string {
	words := make([]string, 0, len(call.Args))
	for _, w := range call.Args {
		words = append(words, w.Lit())
	}
	return words
}

var assignmentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

func stripWrappers(tokens []string) []string {
	for len(tokens) > 0 {
		if assignmentPattern.MatchString(tokens[0]) {
			tokens = tokens[1:]
			continue
		}
		if wrappers[path.Base(tokens[0])] {
			tokens = tokens[1:]
			continue
		}
		break
	}
	return tokens
}

func hasIntegrityKeyword(script string) bool {
	lower := strings.ToLower(script)
	for _, kw := range integrityKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func hasLockfileMarker(script string) bool {
	for _, marker := range lockfileMarkers {
		if strings.Contains(script, marker) {
			return true
		}
	}
	return false
}

func scriptLine(script string, line int) string {
	lines := strings.Split(script, "\n")
	if line < 1 || line > len(lines) {
		return strings.TrimSpace(script)
	}
	return strings.TrimSpace(lines[line-1])
}

// pipeToShellPattern is the fallback detector for scripts the shell parser
// rejects, typically because of templating placeholders.
var pipeToShellPattern = regexp.MustCompile(`(?i)\b(?:curl|wget)\b[^|;&]*\|\s*(?:sudo\s+)?(?:ba|z|da|k)?sh\b`)

// checkCommandText pattern-matches line by line when the script does not
// parse as shell.
func checkCommandText(script string, ctx Context, actionKey string, integrity, lockfile bool) []Finding {
	var findings []Finding
	for i, raw := range strings.Split(script, "\n") {
		line := i + 1
		text := strings.TrimSpace(raw)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		if !integrity && pipeToShellPattern.MatchString(text) {
			findings = append(findings, remoteCodeFinding(ctx, actionKey, text, line))
		}
		if lockfile {
			continue
		}
		tokens := stripWrappers(strings.Fields(text))
		if len(tokens) == 0 {
			continue
		}
		program := path.Base(tokens[0])
		if program == "npm" && len(tokens) > 1 && tokens[1] == "ci" {
			continue
		}
		for _, install := range installCommands {
			if program == install.program && hasSubcommand(tokens, install.subcommand) && !installIsPinned(tokens, install.subcommand) {
				findings = append(findings, installFinding(ctx, actionKey, install, text, line))
				break
			}
		}
	}
	return findings
}

func remoteCodeFinding(ctx Context, actionKey, evidence string, line int) Finding {
	d, _ := Describe(ctx.remoteCodeRule())
	return Finding{
		RuleID:      d.ID,
		RuleName:    d.Name,
		Severity:    d.DefaultSeverity,
		Category:    d.Category,
		Message:     "Downloaded code is executed without an integrity check",
		ActionKey:   actionKey,
		SourceLine:  line,
		Evidence:    evidence,
		Remediation: "Verify the download with a checksum or signature (sha256, gpg) before executing it",
	}
}

func installFinding(ctx Context, actionKey string, install installCommand, evidence string, line int) Finding {
	d, _ := Describe(ctx.installRule())
	return Finding{
		RuleID:      d.ID,
		RuleName:    d.Name,
		Severity:    d.DefaultSeverity,
		Category:    d.Category,
		Message:     fmt.Sprintf("%s %s without pinned versions", install.program, install.subcommand),
		ActionKey:   actionKey,
		SourceLine:  line,
		Evidence:    evidence,
		Remediation: "Pin package versions explicitly or install from a lockfile",
	}
}
