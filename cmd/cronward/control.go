package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cronward/internal/app"
	"cronward/internal/config"
	"cronward/internal/task"
	"cronward/internal/task/engine"
	logx "cronward/pkg/logx"
)

var errHTTPDisabled = errors.New("the http surface is disabled in the config; enable http to control a running daemon")

// apiClient talks to the daemon's HTTP surface.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(s config.HTTPSettings) (*apiClient, error) {
	if !s.Enabled {
		return nil, errHTTPDisabled
	}
	host := s.Addr
	// A wildcard bind is reachable on loopback.
	if strings.HasPrefix(host, ":") || strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = "127.0.0.1" + host[strings.LastIndex(host, ":"):]
	}
	return &apiClient{
		base:  "http://" + host,
		token: s.Token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *apiClient) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", task.ErrUnknownTask, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", task.ErrAlreadyRunning, msg)
	default:
		return fmt.Errorf("daemon: %s", msg)
	}
}

func toggleCmd(o *rootOpts, on bool) *cobra.Command {
	use, short := "disable <task-id>", "Stop scheduling a task until re-enabled or the config reloads"
	if on {
		use, short = "enable <task-id>", "Resume scheduling a task"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := loadConfig(o)
			if err != nil {
				return err
			}
			c, err := newAPIClient(l.Settings.HTTP)
			if err != nil {
				return err
			}
			verb := "disable"
			if on {
				verb = "enable"
			}
			if err := c.post(cmd.Context(), "/tasks/"+url.PathEscape(args[0])+"/"+verb); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "%sd %s", verb, args[0])
			return nil
		},
	}
}

func triggerCmd(o *rootOpts) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "trigger <task-id>",
		Short: "Run a task now, outside its schedule",
		Long: `Asks the running daemon to run the task now. With --local the task runs
once in this process instead (retries and timeout included); the result is
printed but not recorded in the status store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := loadConfig(o)
			if err != nil {
				return err
			}
			id := args[0]
			if local {
				return runLocal(cmd, o, l, id)
			}
			c, err := newAPIClient(l.Settings.HTTP)
			if err != nil {
				return err
			}
			if err := c.post(cmd.Context(), "/tasks/"+url.PathEscape(id)+"/trigger"); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "triggered %s", id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "run in this process instead of the daemon")
	return cmd
}

func runLocal(cmd *cobra.Command, o *rootOpts, l *app.Loaded, id string) error {
	e, ok := l.Registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %q", task.ErrUnknownTask, id)
	}
	log := logx.Nop()
	if !o.json {
		log = logx.NewWriter(cmd.ErrOrStderr(), l.Settings.Logging.Level)
	}
	runner := engine.NewRunner(engine.Options{Log: log})
	ex := runner.Run(cmd.Context(), e.Task, true)

	w := cmd.OutOrStdout()
	if o.json {
		if err := printJSON(w, task.RecordOf(ex)); err != nil {
			return err
		}
	} else {
		t := newTable("TASK", "OUTCOME", "ATTEMPTS", "DURATION", "DETAIL")
		detail := ex.Error
		if detail == "" {
			detail = ex.Message
		}
		t.addRow(ex.TaskID, outcome(ex.Outcome), fmt.Sprint(ex.Attempt), dur(ex.Duration()), truncate(detail, 80))
		t.render(w)
	}
	if ex.Outcome != task.OutcomeSuccess {
		return fmt.Errorf("%s: %s", id, ex.Outcome)
	}
	return nil
}
