// Package startup renders the boot-time provisioning script that installs
// the monitoring agent on a new instance and reports back when it is done.
package startup

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/cloudvibe/agentd/pkg/engine"
)

var (
	//go:embed assets/startup.sh.tmpl
	scriptTemplate string

	//go:embed assets/agent_stub.go.txt
	agentStub string
)

// Toolchain installed on the instance to build the agent.
const (
	GoToolchain = "1.21.0"
	GoVersion   = "1.21"
)

// AgentStub returns the built-in agent source used when no artifact is available.
func AgentStub() string {
	return agentStub
}

// AgentSource supplies the agent program source embedded in the script.
type AgentSource interface {
	Source() string
}

// StaticSource is an AgentSource that always returns the same text.
type StaticSource string

// Source implements AgentSource.
func (s StaticSource) Source() string {
	if s == "" {
		return agentStub
	}
	return string(s)
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	},
	"join":       strings.Join,
	"shellquote": shellQuote,
	"unitenv":    unitEnv,
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var unitEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
	"%", "%%",
)

// unitEnv renders a quoted systemd Environment= assignment. The value never
// spans lines, so it cannot end the enclosing heredoc.
func unitEnv(key string, value any) string {
	return `"` + key + "=" + unitEscaper.Replace(fmt.Sprint(value)) + `"`
}

// validDeploymentID matches the identifiers embedded in paths, names and
// script comments.
var validDeploymentID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*$`)

var script = template.Must(template.New("startup.sh").Funcs(funcs).Parse(scriptTemplate))

// scriptData is the template input.
type scriptData struct {
	DeploymentID       string
	AgentID            string
	BackendURL         string
	CompletionURL      string
	CollectionInterval int
	Targets            []string
	Region             string
	Zone               string
	Network            string
	Subnetwork         string
	AgentSource        string
	GoToolchain        string
	GoVersion          string
}

// Templater renders startup scripts. It implements engine.ScriptRenderer.
type Templater struct {
	source      AgentSource
	callbackURL string
}

var _ engine.ScriptRenderer = (*Templater)(nil)

// NewTemplater creates a templater. callbackURL is the base URL used when a
// deployment config does not carry its own; a nil source uses the built-in stub.
func NewTemplater(source AgentSource, callbackURL string) *Templater {
	if source == nil {
		source = StaticSource("")
	}
	return &Templater{
		source:      source,
		callbackURL: strings.TrimRight(callbackURL, "/"),
	}
}

// CallbackURL returns the base URL a config resolves to.
func (t *Templater) CallbackURL(cfg engine.DeploymentConfig) string {
	if cfg.CallbackURL != "" {
		return strings.TrimRight(cfg.CallbackURL, "/")
	}
	return t.callbackURL
}

// Render implements engine.ScriptRenderer.
func (t *Templater) Render(cfg engine.DeploymentConfig, deploymentID string) (string, error) {
	if deploymentID == "" {
		return "", fmt.Errorf("render startup script: empty deployment id")
	}
	if !validDeploymentID.MatchString(deploymentID) {
		return "", fmt.Errorf("render startup script: invalid deployment id %q", deploymentID)
	}

	base := t.CallbackURL(cfg)
	zone := cfg.EffectiveZone()

	data := scriptData{
		DeploymentID:       deploymentID,
		AgentID:            engine.ScriptAgentID(deploymentID),
		BackendURL:         base,
		CompletionURL:      base + "/deployments/" + deploymentID + "/complete",
		CollectionInterval: cfg.Interval(),
		Targets:            cfg.Targets(),
		Region:             engine.RegionFromZone(zone),
		Zone:               zone,
		Network:            cfg.Network,
		Subnetwork:         cfg.Subnetwork,
		AgentSource:        strings.TrimRight(t.source.Source(), "\n"),
		GoToolchain:        GoToolchain,
		GoVersion:          GoVersion,
	}

	var sb strings.Builder
	if err := script.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render startup script: %w", err)
	}
	return sb.String(), nil
}
