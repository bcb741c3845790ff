package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

func runAgentCommand(ctx context.Context, args []string, base commonFlags) error {
	usage := usageLine("agent <revoke|setup|heartbeat|claimable|lock|unlock|provisioned|failed|reconcile>")
	if len(args) == 0 {
		usage()
		return nil
	}
	switch args[0] {
	case "revoke":
		return runAgentRevoke(ctx, args[1:], base)
	case "setup":
		return runAgentSetup(ctx, args[1:], base)
	case "heartbeat":
		return runAgentHeartbeat(ctx, args[1:], base)
	case "claimable":
		return runAgentClaimable(ctx, args[1:], base)
	case "lock":
		return runAgentLock(ctx, args[1:], base)
	case "unlock":
		return runAgentUnlock(ctx, args[1:], base)
	case "provisioned":
		return runAgentProvisioned(ctx, args[1:], base)
	case "failed":
		return runAgentFailed(ctx, args[1:], base)
	case "reconcile":
		return runAgentReconcile(ctx, args[1:], base)
	default:
		usage()
		return fmt.Errorf("unknown agent command %q", args[0])
	}
}

// runAgentRevoke is an owner command; it lives here with the other agent
// verbs but talks to the control listener.
func runAgentRevoke(ctx context.Context, args []string, base commonFlags) error {
	lead, rest := leadingArgs(args, 1)
	fs := newFlagSet("agent revoke")
	opts := base
	opts.bind(fs)
	help := false
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("agent revoke <agent_id>")
	if err := parseFlags(fs, rest, usage, &help); err != nil {
		return err
	}
	pos, err := requirePositional(lead, fs, 1, usage)
	if err != nil {
		return err
	}
	client, err := opts.controlClient(true)
	if err != nil {
		return err
	}
	var resp agentRevokeResponse
	data, err := client.call(ctx, http.MethodDelete, "/v1/agents/"+escapePath(pos[0]), nil, &resp)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error {
		if !resp.Revoked {
			_, err := fmt.Fprintf(w, "agent %s was already revoked\n", resp.AgentID)
			return err
		}
		_, err := fmt.Fprintf(w, "agent %s revoked\n", resp.AgentID)
		return err
	})
}

func runAgentSetup(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("agent setup")
	opts := base
	opts.bind(fs)
	var req agentSetupRequest
	help := false
	fs.StringVar(&req.Token, "token", "", "one-time setup token")
	fs.StringVar(&req.Label, "label", "", "agent label")
	fs.StringVar(&req.DetectedCountry, "country", "", "detected ISO 3166-1 alpha-2 country of this host")
	fs.BoolVar(&req.Force, "force", false, "register despite a location mismatch")
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("agent setup --token <token> [--label <label>] [--country <cc>] [--force]",
		"the token is consumed on success; request a new one with 'fleetctl pool token'.")
	if err := parseFlags(fs, args, usage, &help); err != nil {
		return err
	}
	if strings.TrimSpace(req.Token) == "" {
		usage()
		return newCLIError("--token is required", "issue one with 'fleetctl pool token <pool_id>'")
	}
	client, err := opts.agentClient(true)
	if err != nil {
		return err
	}
	req.AgentID = client.agent
	var resp agentSetupResponse
	data, err := client.call(ctx, http.MethodPost, "/v1/agents/setup", req, &resp)
	if err != nil {
		return explainRemote(err)
	}
	if resp.Warning != "" && opts.wantJSON() {
		fmt.Fprintln(os.Stderr, "warning: "+resp.Warning)
	}
	return opts.emit(data, func(w io.Writer) error {
		if err := printKeyValues(w, "Pool ID", resp.PoolID, "Pool", resp.PoolName, "Owner", resp.OwnerID, "Region", resp.Region); err != nil {
			return err
		}
		if resp.Warning != "" {
			_, err := fmt.Fprintln(w, "warning: "+resp.Warning)
			return err
		}
		return nil
	})
}

func runAgentHeartbeat(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("agent heartbeat")
	opts := base
	opts.bind(fs)
	var req heartbeatRequest
	running := -1
	help := false
	fs.StringVar(&req.Version, "version", "", "agent version")
	fs.IntVar(&running, "running", -1, "number of running instances")
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("agent heartbeat [--version <v>] [--running <n>]")
	if err := parseFlags(fs, args, usage, &help); err != nil {
		return err
	}
	if running >= 0 {
		req.RunningInstances = &running
	}
	client, err := opts.agentClient(true)
	if err != nil {
		return err
	}
	var resp heartbeatResponse
	data, err := client.call(ctx, http.MethodPost, "/v1/agents/heartbeat", req, &resp)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error {
		return printKeyValues(w, "Pool ID", orDashPtr(resp.PoolID), "Next heartbeat", fmt.Sprintf("%ds", resp.NextHeartbeatSeconds))
	})
}

func runAgentClaimable(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("agent claimable")
	opts := base
	opts.bind(fs)
	help := false
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("agent claimable")
	if err := parseFlags(fs, args, usage, &help); err != nil {
		return err
	}
	client, err := opts.agentClient(true)
	if err != nil {
		return err
	}
	var resp claimableResponse
	data, err := client.call(ctx, http.MethodGet, "/v1/contracts/claimable", nil, &resp)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error {
		if len(resp.Contracts) == 0 {
			_, err := fmt.Fprintln(w, "no claimable contracts")
			return err
		}
		for _, id := range resp.Contracts {
			if _, err := fmt.Fprintln(w, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// contractAction runs one of the per-contract agent verbs that take a
// single contract id and an optional JSON body.
func contractAction(ctx context.Context, opts commonFlags, method, contractID, action string, payload any) ([]byte, error) {
	client, err := opts.agentClient(true)
	if err != nil {
		return nil, err
	}
	data, err := client.call(ctx, method, "/v1/contracts/"+escapePath(contractID)+"/"+action, payload, nil)
	if err != nil {
		return nil, explainRemote(err)
	}
	return data, nil
}

func runAgentLock(ctx context.Context, args []string, base commonFlags) error {
	lead, rest := leadingArgs(args, 1)
	fs := newFlagSet("agent lock")
	opts := base
	opts.bind(fs)
	help := false
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("agent lock <contract_id>", "the lock expires after the server's lease unless the contract is reported.")
	if err := parseFlags(fs, rest, usage, &help); err != nil {
		return err
	}
	pos, err := requirePositional(lead, fs, 1, usage)
	if err != nil {
		return err
	}
	data, err := contractAction(ctx, opts, http.MethodPost, pos[0], "lock", nil)
	if err != nil {
		return err
	}
	var resp lockResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decode lock response: %w", err)
	}
	return opts.emit(data, func(w io.Writer) error {
		return printKeyValues(w, "Contract ID", resp.ContractID, "Agent", resp.AgentID, "Acquired", resp.AcquiredAt, "Expires", resp.ExpiresAt)
	})
}

func runAgentUnlock(ctx context.Context, args []string, base commonFlags) error {
	lead, rest := leadingArgs(args, 1)
	fs := newFlagSet("agent unlock")
	opts := base
	opts.bind(fs)
	help := false
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("agent unlock <contract_id>")
	if err := parseFlags(fs, rest, usage, &help); err != nil {
		return err
	}
	pos, err := requirePositional(lead, fs, 1, usage)
	if err != nil {
		return err
	}
	data, err := contractAction(ctx, opts, http.MethodDelete, pos[0], "lock", nil)
	if err != nil {
		return err
	}
	return opts.emit(data, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "lock on %s released\n", pos[0])
		return err
	})
}

func runAgentProvisioned(ctx context.Context, args []string, base commonFlags) error {
	lead, rest := leadingArgs(args, 1)
	fs := newFlagSet("agent provisioned")
	opts := base
	opts.bind(fs)
	var details string
	help := false
	fs.StringVar(&details, "details", "", "instance details as a JSON object (use @path to read a file)")
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("agent provisioned <contract_id> [--details <json>]")
	if err := parseFlags(fs, rest, usage, &help); err != nil {
		return err
	}
	pos, err := requirePositional(lead, fs, 1, usage)
	if err != nil {
		return err
	}
	var req provisionedRequest
	if details = strings.TrimSpace(details); details != "" {
		raw, err := readDetails(details)
		if err != nil {
			return err
		}
		req.InstanceDetails = raw
	}
	data, err := contractAction(ctx, opts, http.MethodPost, pos[0], "provisioned", req)
	if err != nil {
		return err
	}
	var resp ackResponse
	_ = json.Unmarshal(data, &resp)
	return opts.emit(data, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "contract %s: %s\n", pos[0], orDash(resp.Status))
		return err
	})
}

func readDetails(value string) (json.RawMessage, error) {
	raw := []byte(value)
	if strings.HasPrefix(value, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(value, "@"))
		if err != nil {
			return nil, newCLIError(fmt.Sprintf("read details: %v", err), "")
		}
		raw = data
	}
	var probe map[string]any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, newCLIError("--details must be a JSON object", "", `e.g. --details '{"ip":"203.0.113.7"}'`)
	}
	return json.RawMessage(raw), nil
}

func runAgentFailed(ctx context.Context, args []string, base commonFlags) error {
	lead, rest := leadingArgs(args, 1)
	fs := newFlagSet("agent failed")
	opts := base
	opts.bind(fs)
	var req failedRequest
	help := false
	fs.StringVar(&req.Reason, "reason", "", "failure reason")
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("agent failed <contract_id> --reason <reason>", "the contract returns to the claimable queue.")
	if err := parseFlags(fs, rest, usage, &help); err != nil {
		return err
	}
	pos, err := requirePositional(lead, fs, 1, usage)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.Reason) == "" {
		usage()
		return newCLIError("--reason is required", "")
	}
	data, err := contractAction(ctx, opts, http.MethodPost, pos[0], "failed", req)
	if err != nil {
		return err
	}
	var resp ackResponse
	_ = json.Unmarshal(data, &resp)
	return opts.emit(data, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "contract %s requeued as %s\n", pos[0], orDash(resp.Status))
		return err
	})
}

func runAgentReconcile(ctx context.Context, args []string, base commonFlags) error {
	lead, rest := leadingArgs(args, len(args))
	fs := newFlagSet("agent reconcile")
	opts := base
	opts.bind(fs)
	help := false
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("agent reconcile <external_id[=contract_id]>...",
		"instances without a contract id are matched by external id only.")
	if err := parseFlags(fs, rest, usage, &help); err != nil {
		return err
	}
	items := append(append([]string{}, lead...), fs.Args()...)
	req := reconcileRequest{RunningInstances: make([]runningInstance, 0, len(items))}
	for _, item := range items {
		externalID, contractID, _ := strings.Cut(strings.TrimSpace(item), "=")
		if strings.TrimSpace(externalID) == "" {
			usage()
			return newCLIError(fmt.Sprintf("invalid instance %q", item), "", "use external_id or external_id=contract_id")
		}
		req.RunningInstances = append(req.RunningInstances, runningInstance{
			ExternalID: strings.TrimSpace(externalID),
			ContractID: strings.TrimSpace(contractID),
		})
	}
	client, err := opts.agentClient(true)
	if err != nil {
		return err
	}
	var resp reconcileResponse
	data, err := client.call(ctx, http.MethodPost, "/v1/reconcile", req, &resp)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error { return printReconcile(w, resp) })
}
