package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/g960059/simslot/internal/api"
	"github.com/g960059/simslot/internal/config"
	"github.com/g960059/simslot/internal/platform"
)

type Runner struct {
	baseURL string
	client  *http.Client
	out     io.Writer
	errOut  io.Writer
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewRunnerWithClient("http://unix", &http.Client{Transport: transport}, out, errOut)
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Runner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		out:     out,
		errOut:  errOut,
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if socketPath != "" && r.baseURL == "http://unix" {
		*r = *NewRunner(socketPath, r.out, r.errOut)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "health":
		return r.runHealth(ctx, rest[1:])
	case "notify":
		return r.runNotify(ctx, rest[1:])
	case "state":
		return r.runState(ctx, rest[1:])
	case "decisions":
		return r.runDecisions(ctx, rest[1:])
	case "hardware":
		return r.runHardware(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, []string, error) {
	socket := config.DefaultConfig().SocketPath
	if v := strings.TrimSpace(os.Getenv("SIMSLOT_SOCKET")); v != "" {
		socket = v
	}
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--socket" {
			if i+1 >= len(args) {
				return "", nil, errors.New("--socket requires value")
			}
			socket = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return socket, rest, nil
}

func (r *Runner) runHealth(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/health", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeRaw(body)
	}
	var resp api.HealthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "status=%s bridge=%s failures=%d pending=%d\n",
		resp.Status, resp.BridgeHealth, resp.ConsecutiveFailures, resp.PendingTriggers)
	return 0
}

func (r *Runner) runNotify(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: simslot notify <slot-status|setup-wizard-finished>")
		return 2
	}
	name := args[0]
	if name != "slot-status" && name != "setup-wizard-finished" {
		_, _ = fmt.Fprintf(r.errOut, "unknown trigger: %s\n", name)
		return 2
	}
	fs := flag.NewFlagSet("notify "+name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args[1:]); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/triggers/"+url.PathEscape(name), nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeRaw(body)
	}
	var resp api.TriggerAccepted
	if err := json.Unmarshal(body, &resp); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "queued %s (pending=%d)\n", resp.Trigger, resp.PendingTriggers)
	return 0
}

func (r *Runner) runState(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/state", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeRaw(body)
	}
	var resp api.StateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "last_removable_presence=%s pending_setup_action=%s\n",
		resp.LastRemovablePresence, resp.PendingSetupAction)
	return 0
}

func (r *Runner) runDecisions(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("decisions", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("limit", 0, "max decisions to list")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	query := url.Values{}
	if *limit != 0 {
		if *limit < 0 {
			_, _ = fmt.Fprintln(r.errOut, "--limit must be positive")
			return 2
		}
		query.Set("limit", strconv.Itoa(*limit))
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/decisions", query, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeRaw(body)
	}
	var env api.DecisionsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	for _, d := range env.Decisions {
		status := "pending"
		switch {
		case d.Action.IsNoOp():
			status = "-"
		case d.MissedAt != nil:
			status = "missed"
		case d.DispatchError != "":
			status = "failed"
		case d.DispatchedAt != nil:
			status = "dispatched"
		}
		errKind := d.ErrorKind
		if errKind == "" {
			errKind = "-"
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.DecidedAt.UTC().Format("2006-01-02T15:04:05Z"), d.Trigger, d.Action.String(), d.Branch, errKind, status)
	}
	return 0
}

// runHardware inspects a hardware state document locally without a daemon.
func (r *Runner) runHardware(_ context.Context, args []string) int {
	if len(args) < 2 || args[0] != "check" {
		_, _ = fmt.Fprintln(r.errOut, "usage: simslot hardware check <path>")
		return 2
	}
	state, err := platform.LoadHardwareState(args[1])
	if err != nil {
		return r.handleErr(err)
	}
	snap := state.Snapshot()
	if snap == nil {
		_, _ = fmt.Fprintln(r.out, "removable slot: none")
	} else {
		_, _ = fmt.Fprintf(r.out, "removable slot: %s\n", snap)
	}
	_, _ = fmt.Fprintf(r.out, "embedded profiles: %d\n", len(state.Profiles()))
	_, _ = fmt.Fprintf(r.out, "active subscriptions: %d\n", len(state.Active()))
	return 0
}

func (r *Runner) writeRaw(body []byte) int {
	_, _ = r.out.Write(body)
	if !bytes.HasSuffix(body, []byte("\n")) {
		_, _ = fmt.Fprintln(r.out)
	}
	return 0
}

func (r *Runner) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, errors.Annotate(err, "encode request body")
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, errors.Trace(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer resp.Body.Close() //nolint:errcheck
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if unmarshalErr := json.Unmarshal(payload, &er); unmarshalErr == nil && er.Error.Code != "" {
			return nil, errors.Errorf("%s: %s", er.Error.Code, er.Error.Message)
		}
		return nil, errors.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: simslot [--socket <path>] <health|notify|state|decisions|hardware> ...")
}
