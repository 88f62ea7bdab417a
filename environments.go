package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alitto/pond"
	"github.com/dustin/go-humanize"
	"github.com/pulumi/pulumi/sdk/v3/go/auto"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optdestroy"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optlist"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optpreview"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optrefresh"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optup"
	"github.com/pulumi/pulumi/sdk/v3/go/common/apitype"
	"github.com/pulumi/pulumi/sdk/v3/go/common/tokens"
	"github.com/pulumi/pulumi/sdk/v3/go/common/workspace"
	log "github.com/sirupsen/logrus"
)

var (
	errEnvironmentExists   = errors.New("environment already exists")
	errEnvironmentNotFound = errors.New("environment not found")
	errNoResult            = errors.New("environment has no stored result, update it to regenerate the output")
)

// environmentSummary is one entry of the environment list.
type environmentSummary struct {
	Name             string `json:"name" yaml:"name"`
	LastUpdate       string `json:"last_update" yaml:"last_update"`
	UpdateInProgress bool   `json:"update_in_progress" yaml:"update_in_progress"`
	ResourceCount    int    `json:"resource_count" yaml:"resource_count"`
	APIURL           string `json:"api_url,omitempty" yaml:"api_url,omitempty"`
	Domain           string `json:"domain,omitempty" yaml:"domain,omitempty"`
}

// environmentService runs stack operations for the HTTP API.
type environmentService interface {
	Create(ctx context.Context, env environment, cred credentials) error
	Update(ctx context.Context, env environment, cred credentials) error
	Preview(ctx context.Context, env environment, cred credentials) error
	Refresh(ctx context.Context, name string, cred credentials) error
	Destroy(ctx context.Context, name string, cred credentials) error
	Outputs(ctx context.Context, name string, cred credentials) (map[string]interface{}, error)
	List(ctx context.Context, cred credentials) ([]environmentSummary, error)
	Bootstrap(ctx context.Context, cred credentials) error
}

// stackManager maps environments onto Pulumi stacks of one project. When
// async is set, long operations run in the background and report to Slack.
type stackManager struct {
	cfg   config
	opts  []auto.LocalWorkspaceOption
	async bool
	out   io.Writer
}

func newStackManager(cfg config, async bool) *stackManager {
	return &stackManager{
		cfg:   cfg,
		opts:  workspaceOptions(cfg, _projectName),
		async: async,
		out:   os.Stdout,
	}
}

func workspaceOptions(cfg config, project string) []auto.LocalWorkspaceOption {
	return []auto.LocalWorkspaceOption{
		auto.Project(workspace.Project{
			Name:    tokens.PackageName(project),
			Runtime: workspace.NewProjectRuntimeInfo("go", nil),
			Backend: &workspace.ProjectBackend{
				URL: cfg.BackendURL,
			},
		}),
		auto.WorkDir("."),
	}
}

func (m *stackManager) configure(ctx context.Context, s auto.Stack, cred credentials) error {
	cm := auto.ConfigMap{}
	for key, v := range cred.stackConfig() {
		cm[key] = auto.ConfigValue{Value: v.Value, Secret: v.Secret}
	}

	if err := s.SetAllConfig(ctx, cm); err != nil {
		return fmt.Errorf("set stack config: %w", err)
	}

	return nil
}

func (m *stackManager) create(ctx context.Context, env environment, cred credentials) (auto.Stack, error) {
	s, err := auto.NewStackInlineSource(ctx, env.Name, _projectName, infra(env, cred), m.opts...)
	if err != nil {
		if auto.IsCreateStack409Error(err) {
			return s, fmt.Errorf("%w: %q", errEnvironmentExists, env.Name)
		}
		return s, fmt.Errorf("create stack: %w", err)
	}

	return s, m.configure(ctx, s, cred)
}

// open selects an existing stack. env only matters for operations that run
// the program (up, preview).
func (m *stackManager) open(ctx context.Context, name string, env environment, cred credentials) (auto.Stack, error) {
	s, err := auto.SelectStackInlineSource(ctx, name, _projectName, infra(env, cred), m.opts...)
	if err != nil {
		if auto.IsSelectStack404Error(err) {
			return s, fmt.Errorf("%w: %q", errEnvironmentNotFound, name)
		}
		return s, fmt.Errorf("select stack: %w", err)
	}

	return s, m.configure(ctx, s, cred)
}

func stackResult(ctx context.Context, s auto.Stack) (map[string]interface{}, error) {
	outs, err := s.Outputs(ctx)
	if err != nil {
		return nil, fmt.Errorf("read stack outputs: %w", err)
	}

	result, ok := outs["result"].Value.(map[string]interface{})
	if !ok {
		return nil, errNoResult
	}

	return result, nil
}

// storedHook returns the Slack webhook recorded by the last update, falling
// back to the process default.
func (m *stackManager) storedHook(ctx context.Context, s auto.Stack) string {
	result, err := stackResult(ctx, s)
	if err != nil {
		log.Warnf("can't retrieve stored output for env %q: %v", s.Name(), err)
		return m.cfg.SlackWebHook
	}

	hook, ok := result["slack_webhook"].(string)
	if !ok || hook == "" {
		return m.cfg.SlackWebHook
	}

	return hook
}

type operation struct {
	kind    string
	envName string
	hook    string
	cred    credentials
	run     func(ctx context.Context, out io.Writer) (string, error)
}

// dispatch runs op in the background when the manager is async, inline
// otherwise.
func (m *stackManager) dispatch(op operation) error {
	if !m.async {
		return m.execute(context.Background(), op)
	}

	go func() {
		if err := m.execute(context.Background(), op); err != nil {
			log.Errorf("%s env %q: %v", op.kind, op.envName, err)
		}
	}()

	return nil
}

func (m *stackManager) execute(ctx context.Context, op operation) error {
	start := time.Now()

	var buf bytes.Buffer
	summary, err := op.run(ctx, io.MultiWriter(m.out, &buf))
	if err != nil {
		msg := fmt.Sprintf("Error occurred during %s of environment %q", op.kind, op.envName)
		if auto.IsConcurrentUpdateError(err) {
			msg = fmt.Sprintf("Environment %q already has an update in progress", op.envName)
		}

		m.publishLogs(ctx, op, buf.Bytes(), msg, start)
		return err
	}

	msg := fmt.Sprintf("%s in %s", summary, time.Since(start).Round(time.Second))
	log.Info(msg)
	m.publishLogs(ctx, op, buf.Bytes(), msg, start)

	return nil
}

func (m *stackManager) publishLogs(ctx context.Context, op operation, content []byte, msg string, start time.Time) {
	gz, err := gzipLog(content)
	if err != nil {
		log.Errorf("compress %s logs for env %q: %v", op.kind, op.envName, err)
		_ = sendToSlackWebHook(msg, op.hook)
		return
	}

	if err := uploadLogs(ctx, gz, op.envName, op.kind, m.cfg, op.cred, msg, op.hook, start); err != nil {
		log.Errorf("upload %s logs for env %q: %v", op.kind, op.envName, err)
		_ = sendToSlackWebHook(msg, op.hook)
	}
}

func upOperation(s auto.Stack, kind, verb string, env environment, cred credentials) operation {
	return operation{
		kind:    kind,
		envName: env.Name,
		hook:    env.SlackWebHook,
		cred:    cred,
		run: func(ctx context.Context, out io.Writer) (string, error) {
			res, err := s.Up(ctx, optup.ProgressStreams(out))
			if err != nil {
				return "", err
			}

			if result, ok := res.Outputs["result"].Value.(map[string]interface{}); ok {
				_ = sendToSlackWebHook(createOverview(result), env.SlackWebHook)
			}

			return fmt.Sprintf("%s environment %q (%s)", verb, env.Name, res.Summary.Result), nil
		},
	}
}

func (m *stackManager) Create(ctx context.Context, env environment, cred credentials) error {
	s, err := m.create(ctx, env, cred)
	if err != nil {
		return err
	}

	return m.dispatch(upOperation(s, "create", "Created", env, cred))
}

func (m *stackManager) Update(ctx context.Context, env environment, cred credentials) error {
	s, err := m.open(ctx, env.Name, env, cred)
	if err != nil {
		return err
	}

	return m.dispatch(upOperation(s, "update", "Updated", env, cred))
}

// Deploy creates the environment or updates it in place.
func (m *stackManager) Deploy(ctx context.Context, env environment, cred credentials) error {
	s, err := auto.UpsertStackInlineSource(ctx, env.Name, _projectName, infra(env, cred), m.opts...)
	if err != nil {
		return fmt.Errorf("upsert stack: %w", err)
	}

	if err := m.configure(ctx, s, cred); err != nil {
		return err
	}

	return m.dispatch(upOperation(s, "update", "Deployed", env, cred))
}

// Bootstrap creates or updates the account settings stack of the
// credentials' region. Environments of that region need it for access logs.
func (m *stackManager) Bootstrap(ctx context.Context, cred credentials) error {
	name := accountStackName(cred.AWSRegion)

	s, err := auto.UpsertStackInlineSource(ctx, name, _accountProjectName, accountInfra(cred.AWSRegion), workspaceOptions(m.cfg, _accountProjectName)...)
	if err != nil {
		return fmt.Errorf("upsert account stack: %w", err)
	}

	if err := m.configure(ctx, s, cred); err != nil {
		return err
	}

	return m.dispatch(operation{
		kind:    "bootstrap",
		envName: name,
		hook:    m.cfg.SlackWebHook,
		cred:    cred,
		run: func(ctx context.Context, out io.Writer) (string, error) {
			res, err := s.Up(ctx, optup.ProgressStreams(out))
			if err != nil {
				return "", err
			}

			return fmt.Sprintf("Bootstrapped account settings %q (%s)", name, res.Summary.Result), nil
		},
	})
}

func (m *stackManager) Preview(ctx context.Context, env environment, cred credentials) error {
	s, err := m.open(ctx, env.Name, env, cred)
	if err != nil {
		return err
	}

	return m.dispatch(operation{
		kind:    "preview",
		envName: env.Name,
		hook:    env.SlackWebHook,
		cred:    cred,
		run: func(ctx context.Context, out io.Writer) (string, error) {
			res, err := s.Preview(ctx, optpreview.ProgressStreams(out))
			if err != nil {
				return "", err
			}

			return fmt.Sprintf("Previewed environment %q: %s", env.Name, formatChanges(res.ChangeSummary)), nil
		},
	})
}

func (m *stackManager) Refresh(ctx context.Context, name string, cred credentials) error {
	s, err := m.open(ctx, name, environment{}, cred)
	if err != nil {
		return err
	}

	return m.dispatch(operation{
		kind:    "refresh",
		envName: name,
		hook:    m.storedHook(ctx, s),
		cred:    cred,
		run: func(ctx context.Context, out io.Writer) (string, error) {
			if _, err := s.Refresh(ctx, optrefresh.ProgressStreams(out)); err != nil {
				return "", err
			}

			return fmt.Sprintf("Refreshed environment %q", name), nil
		},
	})
}

func (m *stackManager) Destroy(ctx context.Context, name string, cred credentials) error {
	s, err := m.open(ctx, name, environment{}, cred)
	if err != nil {
		return err
	}

	return m.dispatch(operation{
		kind:    "destroy",
		envName: name,
		hook:    m.storedHook(ctx, s),
		cred:    cred,
		run: func(ctx context.Context, out io.Writer) (string, error) {
			if _, err := s.Destroy(ctx, optdestroy.ProgressStreams(out)); err != nil {
				return "", err
			}

			if err := s.Workspace().RemoveStack(ctx, name); err != nil {
				return "", fmt.Errorf("remove stack: %w", err)
			}

			return fmt.Sprintf("Deleted environment %q", name), nil
		},
	})
}

func (m *stackManager) Outputs(ctx context.Context, name string, cred credentials) (map[string]interface{}, error) {
	s, err := m.open(ctx, name, environment{}, cred)
	if err != nil {
		return nil, err
	}

	return stackResult(ctx, s)
}

// stackLister is the part of auto.Workspace listing needs.
type stackLister interface {
	ListStacks(ctx context.Context, opts ...optlist.Option) ([]auto.StackSummary, error)
	StackOutputs(ctx context.Context, stackName string) (auto.OutputMap, error)
}

// List returns every environment of the project.
func (m *stackManager) List(ctx context.Context, cred credentials) ([]environmentSummary, error) {
	ws, err := auto.NewLocalWorkspace(ctx, m.opts...)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	return summarizeStacks(ctx, ws, m.cfg.ListConcurrency)
}

// summarizeStacks summarizes every stack of ws. Outputs are fetched on a
// bounded pool since each lookup reads the backend. A stack whose outputs
// can't be read is still listed, without its API URL and domain.
func summarizeStacks(ctx context.Context, ws stackLister, workers int) ([]environmentSummary, error) {
	stacks, err := ws.ListStacks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stacks: %w", err)
	}

	summaries := make([]environmentSummary, len(stacks))

	if workers < 1 {
		workers = 1
	}

	pool := pond.New(workers, len(stacks)+1, pond.Strategy(pond.Lazy()))
	defer pool.StopAndWait()

	group := pool.Group()
	for i, st := range stacks {
		i, st := i, st
		group.Submit(func() {
			summary := environmentSummary{
				Name:             st.Name,
				LastUpdate:       humanizeUpdate(st.LastUpdate),
				UpdateInProgress: st.UpdateInProgress,
			}
			if st.ResourceCount != nil {
				summary.ResourceCount = *st.ResourceCount
			}

			outs, err := ws.StackOutputs(ctx, st.Name)
			if err != nil {
				log.Warnf("read outputs of env %q: %v", st.Name, err)
			} else if result, ok := outs["result"].Value.(map[string]interface{}); ok {
				summary.APIURL, _ = result["api_url"].(string)
				summary.Domain, _ = result["domain"].(string)
			}

			summaries[i] = summary
		})
	}
	group.Wait()

	return summaries, nil
}

func humanizeUpdate(lastUpdate string) string {
	if lastUpdate == "" {
		return "never"
	}

	t, err := time.Parse(time.RFC3339, lastUpdate)
	if err != nil {
		return lastUpdate
	}

	return humanize.Time(t)
}

// formatChanges renders a preview change summary, e.g. "3 create, 1 update".
func formatChanges(changes map[apitype.OpType]int) string {
	ops := make([]string, 0, len(changes))
	for op, n := range changes {
		if op == apitype.OpSame || n == 0 {
			continue
		}
		ops = append(ops, string(op))
	}

	if len(ops) == 0 {
		return "no changes"
	}

	sort.Strings(ops)

	parts := make([]string, 0, len(ops))
	for _, op := range ops {
		parts = append(parts, fmt.Sprintf("%d %s", changes[apitype.OpType(op)], op))
	}

	return strings.Join(parts, ", ")
}
