package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const jsonFlagDescription = "output json"

var errHelp = errors.New("help requested")

type commonFlags struct {
	server      string
	agentServer string
	token       string
	owner       string
	agent       string
	jsonOutput  bool
	timeout     time.Duration
}

func (c *commonFlags) bind(fs *flag.FlagSet) {
	fs.BoolVar(&c.jsonOutput, "json", c.jsonOutput, jsonFlagDescription)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, usage func(), help *bool) error {
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		usage()
		return err
	}
	if help != nil && *help {
		usage()
		return errHelp
	}
	return nil
}

func usageLine(line string, notes ...string) func() {
	return func() {
		fmt.Fprintln(os.Stdout, "Usage: fleetctl "+line)
		for _, note := range notes {
			fmt.Fprintln(os.Stdout, "Note: "+note)
		}
	}
}

// leadingArgs peels positional arguments off the front so flags may follow
// them (pool show <id> --json).
func leadingArgs(args []string, n int) ([]string, []string) {
	var out []string
	for len(args) > 0 && len(out) < n && !strings.HasPrefix(args[0], "-") {
		out = append(out, args[0])
		args = args[1:]
	}
	return out, args
}

// requirePositional merges peeled and trailing positionals and checks the count.
func requirePositional(lead []string, fs *flag.FlagSet, n int, usage func()) ([]string, error) {
	all := append(append([]string{}, lead...), fs.Args()...)
	if len(all) != n {
		usage()
		return nil, fmt.Errorf("expected %d argument(s), got %d", n, len(all))
	}
	for i, v := range all {
		all[i] = strings.TrimSpace(v)
		if all[i] == "" {
			usage()
			return nil, fmt.Errorf("argument %d is empty", i+1)
		}
	}
	return all, nil
}

func (c commonFlags) controlClient(requireOwner bool) (*apiClient, error) {
	endpoint, err := normalizeEndpoint(c.server)
	if err != nil {
		return nil, withNext(err, "check --server or FLEETCTL_SERVER")
	}
	if requireOwner && strings.TrimSpace(c.owner) == "" {
		return nil, newCLIError("owner id is required", "pass --owner or set FLEETCTL_OWNER")
	}
	client := newAPIClient(endpoint, c.timeout)
	client.token = strings.TrimSpace(c.token)
	client.owner = strings.TrimSpace(c.owner)
	return client, nil
}

func (c commonFlags) agentClient(requireAgent bool) (*apiClient, error) {
	endpoint, err := normalizeEndpoint(c.agentServer)
	if err != nil {
		return nil, withNext(err, "check --agent-server or FLEETCTL_AGENT_SERVER")
	}
	if requireAgent && strings.TrimSpace(c.agent) == "" {
		return nil, newCLIError("agent id is required", "pass --agent or set FLEETCTL_AGENT")
	}
	client := newAPIClient(endpoint, c.timeout)
	client.token = strings.TrimSpace(c.token)
	client.agent = strings.TrimSpace(c.agent)
	return client, nil
}

func runVersion(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("version")
	opts := base
	opts.bind(fs)
	help := false
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("version")
	if err := parseFlags(fs, args, usage, &help); err != nil {
		return err
	}
	client, err := opts.controlClient(false)
	if err != nil {
		return err
	}
	var resp versionResponse
	data, err := client.call(ctx, http.MethodGet, "/v1/version", nil, &resp)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error {
		return printKeyValues(w, "Version", resp.Version, "Commit", resp.Commit, "Date", resp.Date, "Go", resp.GoVersion)
	})
}

func runRegions(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("regions")
	opts := base
	opts.bind(fs)
	help := false
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("regions")
	if err := parseFlags(fs, args, usage, &help); err != nil {
		return err
	}
	client, err := opts.controlClient(false)
	if err != nil {
		return err
	}
	var resp regionsResponse
	data, err := client.call(ctx, http.MethodGet, "/v1/regions", nil, &resp)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error { return printRegions(w, resp) })
}

func runPoolCommand(ctx context.Context, args []string, base commonFlags) error {
	usage := usageLine("pool <create|list|show|update|delete|token|tokens|agents>")
	if len(args) == 0 {
		usage()
		return nil
	}
	switch args[0] {
	case "create":
		return runPoolCreate(ctx, args[1:], base)
	case "list":
		return runPoolList(ctx, args[1:], base)
	case "show":
		return runPoolShow(ctx, args[1:], base)
	case "update":
		return runPoolUpdate(ctx, args[1:], base)
	case "delete":
		return runPoolDelete(ctx, args[1:], base)
	case "token":
		return runPoolToken(ctx, args[1:], base)
	case "tokens":
		return runPoolTokens(ctx, args[1:], base)
	case "agents":
		return runPoolAgents(ctx, args[1:], base)
	default:
		usage()
		return fmt.Errorf("unknown pool command %q", args[0])
	}
}

func runPoolCreate(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("pool create")
	opts := base
	opts.bind(fs)
	var req poolCreateRequest
	help := false
	fs.StringVar(&req.Name, "name", "", "pool name")
	fs.StringVar(&req.Region, "region", "", "region id (see fleetctl regions)")
	fs.StringVar(&req.ProvisionerType, "provisioner", "proxmox", "provisioner type")
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("pool create --name <name> --region <region> [--provisioner <type>]")
	if err := parseFlags(fs, args, usage, &help); err != nil {
		return err
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Region) == "" {
		usage()
		return newCLIError("name and region are required", "", "list regions with 'fleetctl regions'")
	}
	client, err := opts.controlClient(true)
	if err != nil {
		return err
	}
	var resp poolResponse
	data, err := client.call(ctx, http.MethodPost, "/v1/pools", req, &resp)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error { return printPool(w, resp) })
}

func runPoolList(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("pool list")
	opts := base
	opts.bind(fs)
	help := false
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("pool list")
	if err := parseFlags(fs, args, usage, &help); err != nil {
		return err
	}
	client, err := opts.controlClient(true)
	if err != nil {
		return err
	}
	var resp poolsResponse
	data, err := client.call(ctx, http.MethodGet, "/v1/pools", nil, &resp)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error { return printPools(w, resp.Pools) })
}

func runPoolShow(ctx context.Context, args []string, base commonFlags) error {
	lead, rest := leadingArgs(args, 1)
	fs := newFlagSet("pool show")
	opts := base
	opts.bind(fs)
	help := false
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("pool show <pool_id>")
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
	var resp poolResponse
	data, err := client.call(ctx, http.MethodGet, "/v1/pools/"+escapePath(pos[0]), nil, &resp)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error { return printPool(w, resp) })
}

func runPoolUpdate(ctx context.Context, args []string, base commonFlags) error {
	lead, rest := leadingArgs(args, 1)
	fs := newFlagSet("pool update")
	opts := base
	opts.bind(fs)
	var name, region, provisioner string
	help := false
	fs.StringVar(&name, "name", "", "new pool name")
	fs.StringVar(&region, "region", "", "new region id")
	fs.StringVar(&provisioner, "provisioner", "", "new provisioner type")
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("pool update <pool_id> [--name <name>] [--region <region>] [--provisioner <type>]")
	if err := parseFlags(fs, rest, usage, &help); err != nil {
		return err
	}
	pos, err := requirePositional(lead, fs, 1, usage)
	if err != nil {
		return err
	}
	var req poolUpdateRequest
	fs.Visit(func(f *flag.Flag) {
		value := f.Value.String()
		switch f.Name {
		case "name":
			req.Name = &value
		case "region":
			req.Region = &value
		case "provisioner":
			req.ProvisionerType = &value
		}
	})
	if req.Name == nil && req.Region == nil && req.ProvisionerType == nil {
		usage()
		return newCLIError("nothing to update", "pass at least one of --name, --region or --provisioner")
	}
	client, err := opts.controlClient(true)
	if err != nil {
		return err
	}
	var resp poolResponse
	data, err := client.call(ctx, http.MethodPatch, "/v1/pools/"+escapePath(pos[0]), req, &resp)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error { return printPool(w, resp) })
}

func runPoolDelete(ctx context.Context, args []string, base commonFlags) error {
	lead, rest := leadingArgs(args, 1)
	fs := newFlagSet("pool delete")
	opts := base
	opts.bind(fs)
	help := false
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("pool delete <pool_id>", "pools with active agents cannot be deleted.")
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
	data, err := client.call(ctx, http.MethodDelete, "/v1/pools/"+escapePath(pos[0]), nil, nil)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "pool %s deleted\n", pos[0])
		return err
	})
}

func runPoolToken(ctx context.Context, args []string, base commonFlags) error {
	lead, rest := leadingArgs(args, 1)
	fs := newFlagSet("pool token")
	opts := base
	opts.bind(fs)
	var req setupTokenCreateRequest
	help := false
	fs.StringVar(&req.Label, "label", "", "label for the agent that will redeem the token")
	fs.IntVar(&req.TTLHours, "ttl-hours", 0, "token lifetime in hours (default 24)")
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("pool token <pool_id> [--label <label>] [--ttl-hours <n>]")
	if err := parseFlags(fs, rest, usage, &help); err != nil {
		return err
	}
	pos, err := requirePositional(lead, fs, 1, usage)
	if err != nil {
		return err
	}
	if req.TTLHours < 0 {
		usage()
		return newCLIError("--ttl-hours must be positive", "")
	}
	client, err := opts.controlClient(true)
	if err != nil {
		return err
	}
	var resp setupTokenResponse
	data, err := client.call(ctx, http.MethodPost, "/v1/pools/"+escapePath(pos[0])+"/setup-tokens", req, &resp)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error { return printSetupToken(w, resp) })
}

func runPoolTokens(ctx context.Context, args []string, base commonFlags) error {
	lead, rest := leadingArgs(args, 1)
	fs := newFlagSet("pool tokens")
	opts := base
	opts.bind(fs)
	help := false
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("pool tokens <pool_id>", "only unused, unexpired tokens are listed.")
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
	var resp setupTokensResponse
	data, err := client.call(ctx, http.MethodGet, "/v1/pools/"+escapePath(pos[0])+"/setup-tokens", nil, &resp)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error { return printPendingTokens(w, resp.Tokens) })
}

func runPoolAgents(ctx context.Context, args []string, base commonFlags) error {
	lead, rest := leadingArgs(args, 1)
	fs := newFlagSet("pool agents")
	opts := base
	opts.bind(fs)
	help := false
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("pool agents <pool_id>")
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
	var resp poolAgentsResponse
	data, err := client.call(ctx, http.MethodGet, "/v1/pools/"+escapePath(pos[0])+"/agents", nil, &resp)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error { return printPoolAgents(w, resp.Agents) })
}

func runOfferingCommand(ctx context.Context, args []string, base commonFlags) error {
	usage := usageLine("offering <set|show>")
	if len(args) == 0 {
		usage()
		return nil
	}
	switch args[0] {
	case "set":
		return runOfferingSet(ctx, args[1:], base)
	case "show":
		return runOfferingShow(ctx, args[1:], base)
	default:
		usage()
		return fmt.Errorf("unknown offering command %q", args[0])
	}
}

func runOfferingSet(ctx context.Context, args []string, base commonFlags) error {
	lead, rest := leadingArgs(args, 1)
	fs := newFlagSet("offering set")
	opts := base
	opts.bind(fs)
	var req offeringUpsertRequest
	var pool string
	help := false
	fs.StringVar(&req.DatacenterCountry, "country", "", "ISO 3166-1 alpha-2 datacenter country")
	fs.StringVar(&req.ProvisionerType, "provisioner", "", "provisioner type")
	fs.StringVar(&pool, "pool", "", "pin the offering to this pool")
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("offering set <offering_id> --country <cc> [--provisioner <type>] [--pool <pool_id>]",
		"without --pool the offering is served by the pool matching its country's region.")
	if err := parseFlags(fs, rest, usage, &help); err != nil {
		return err
	}
	pos, err := requirePositional(lead, fs, 1, usage)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.DatacenterCountry) == "" {
		usage()
		return newCLIError("--country is required", "")
	}
	if pool = strings.TrimSpace(pool); pool != "" {
		req.AgentPoolID = &pool
	}
	client, err := opts.controlClient(true)
	if err != nil {
		return err
	}
	var resp offeringResponse
	data, err := client.call(ctx, http.MethodPut, "/v1/offerings/"+escapePath(pos[0]), req, &resp)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error { return printOffering(w, resp) })
}

func runOfferingShow(ctx context.Context, args []string, base commonFlags) error {
	lead, rest := leadingArgs(args, 1)
	fs := newFlagSet("offering show")
	opts := base
	opts.bind(fs)
	help := false
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("offering show <offering_id>")
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
	var resp offeringResponse
	data, err := client.call(ctx, http.MethodGet, "/v1/offerings/"+escapePath(pos[0]), nil, &resp)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error { return printOffering(w, resp) })
}

func runContractCommand(ctx context.Context, args []string, base commonFlags) error {
	usage := usageLine("contract <create|show|status|events>")
	if len(args) == 0 {
		usage()
		return nil
	}
	switch args[0] {
	case "create":
		return runContractCreate(ctx, args[1:], base)
	case "show":
		return runContractShow(ctx, args[1:], base)
	case "status":
		return runContractStatus(ctx, args[1:], base)
	case "events":
		return runContractEvents(ctx, args[1:], base)
	default:
		usage()
		return fmt.Errorf("unknown contract command %q", args[0])
	}
}

func runContractCreate(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("contract create")
	opts := base
	opts.bind(fs)
	var req contractCreateRequest
	help := false
	fs.StringVar(&req.OfferingID, "offering", "", "offering id")
	fs.StringVar(&req.ContractID, "id", "", "contract id (generated when empty)")
	fs.StringVar(&req.EndTimestamp, "ends", "", "contract end time (RFC3339)")
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("contract create --offering <offering_id> [--id <contract_id>] [--ends <rfc3339>]")
	if err := parseFlags(fs, args, usage, &help); err != nil {
		return err
	}
	if strings.TrimSpace(req.OfferingID) == "" {
		usage()
		return newCLIError("--offering is required", "")
	}
	if req.EndTimestamp != "" {
		if _, err := time.Parse(time.RFC3339, req.EndTimestamp); err != nil {
			return newCLIError(fmt.Sprintf("invalid --ends %q", req.EndTimestamp), "", "use RFC3339, e.g. 2026-01-02T15:04:05Z")
		}
	}
	client, err := opts.controlClient(true)
	if err != nil {
		return err
	}
	var resp contractResponse
	data, err := client.call(ctx, http.MethodPost, "/v1/contracts", req, &resp)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error { return printContract(w, resp) })
}

func runContractShow(ctx context.Context, args []string, base commonFlags) error {
	lead, rest := leadingArgs(args, 1)
	fs := newFlagSet("contract show")
	opts := base
	opts.bind(fs)
	help := false
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("contract show <contract_id>")
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
	var resp contractResponse
	data, err := client.call(ctx, http.MethodGet, "/v1/contracts/"+escapePath(pos[0]), nil, &resp)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error { return printContract(w, resp) })
}

func runContractStatus(ctx context.Context, args []string, base commonFlags) error {
	lead, rest := leadingArgs(args, 2)
	fs := newFlagSet("contract status")
	opts := base
	opts.bind(fs)
	help := false
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("contract status <contract_id> <status>",
		"statuses: requested, accepted, provisioning, provisioned, active, cancelled, expired, payment_failed, termination_failed, terminated.")
	if err := parseFlags(fs, rest, usage, &help); err != nil {
		return err
	}
	pos, err := requirePositional(lead, fs, 2, usage)
	if err != nil {
		return err
	}
	client, err := opts.controlClient(true)
	if err != nil {
		return err
	}
	var resp contractStatusResponse
	data, err := client.call(ctx, http.MethodPost, "/v1/contracts/"+escapePath(pos[0])+"/status", contractStatusRequest{Status: pos[1]}, &resp)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "contract %s: %s -> %s\n", resp.ContractID, resp.From, resp.Status)
		return err
	})
}

func runContractEvents(ctx context.Context, args []string, base commonFlags) error {
	lead, rest := leadingArgs(args, 1)
	fs := newFlagSet("contract events")
	opts := base
	opts.bind(fs)
	var after int64
	var limit int
	help := false
	fs.Int64Var(&after, "after", 0, "only events with an id above this")
	fs.IntVar(&limit, "limit", 0, "maximum events to return")
	fs.BoolVar(&help, "help", false, "show help")
	usage := usageLine("contract events <contract_id> [--after <id>] [--limit <n>]",
		"pass the printed last_id as --after to page forward.")
	if err := parseFlags(fs, rest, usage, &help); err != nil {
		return err
	}
	pos, err := requirePositional(lead, fs, 1, usage)
	if err != nil {
		return err
	}
	if after < 0 || limit < 0 {
		usage()
		return newCLIError("--after and --limit must not be negative", "")
	}
	query := url.Values{}
	if after > 0 {
		query.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		query.Set("limit", intString(limit))
	}
	path := "/v1/contracts/" + escapePath(pos[0]) + "/events"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	client, err := opts.controlClient(true)
	if err != nil {
		return err
	}
	var resp eventsResponse
	data, err := client.call(ctx, http.MethodGet, path, nil, &resp)
	if err != nil {
		return explainRemote(err)
	}
	return opts.emit(data, func(w io.Writer) error { return printEvents(w, resp.Events) })
}
