package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fleetmarket/fleetd/internal/buildinfo"
)

const usageText = `fleetctl is the CLI for fleetd.

Usage:
  fleetctl --version
  fleetctl [global flags] version
  fleetctl [global flags] regions
  fleetctl [global flags] pool create --name <name> --region <region> [--provisioner <type>]
  fleetctl [global flags] pool list
  fleetctl [global flags] pool show <pool_id>
  fleetctl [global flags] pool update <pool_id> [--name <name>] [--region <region>] [--provisioner <type>]
  fleetctl [global flags] pool delete <pool_id>
  fleetctl [global flags] pool token <pool_id> [--label <label>] [--ttl-hours <n>]
  fleetctl [global flags] pool tokens <pool_id>
  fleetctl [global flags] pool agents <pool_id>
  fleetctl [global flags] offering set <offering_id> --country <cc> [--provisioner <type>] [--pool <pool_id>]
  fleetctl [global flags] offering show <offering_id>
  fleetctl [global flags] contract create --offering <offering_id> [--id <contract_id>] [--ends <rfc3339>]
  fleetctl [global flags] contract show <contract_id>
  fleetctl [global flags] contract status <contract_id> <status>
  fleetctl [global flags] contract events <contract_id> [--after <id>] [--limit <n>]
  fleetctl [global flags] agent revoke <agent_id>
  fleetctl [global flags] agent setup --token <token> [--label <label>] [--country <cc>] [--force]
  fleetctl [global flags] agent heartbeat [--version <v>] [--running <n>]
  fleetctl [global flags] agent claimable
  fleetctl [global flags] agent lock <contract_id>
  fleetctl [global flags] agent unlock <contract_id>
  fleetctl [global flags] agent provisioned <contract_id> [--details <json>]
  fleetctl [global flags] agent failed <contract_id> --reason <reason>
  fleetctl [global flags] agent reconcile <external_id[=contract_id]>...

Global Flags:
  --server URL        fleetd control endpoint (env FLEETCTL_SERVER, default http://127.0.0.1:8750)
  --agent-server URL  fleetd agent endpoint (env FLEETCTL_AGENT_SERVER, default http://127.0.0.1:8751)
  --token TOKEN       Bearer token (env FLEETCTL_TOKEN)
  --owner ID          Owner identity for control commands (env FLEETCTL_OWNER)
  --agent ID          Agent identity for agent commands (env FLEETCTL_AGENT)
  --json              Output json (default when stdout is not a terminal)
  --timeout           Request timeout (e.g. 30s, 2m)
`

type globalOptions struct {
	server      string
	agentServer string
	token       string
	owner       string
	agent       string
	jsonOutput  bool
	showVersion bool
	timeout     time.Duration
}

func main() {
	opts, args, err := parseGlobal(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		printUsage()
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Println(buildinfo.String())
		return
	}
	if len(args) == 0 || isHelpToken(args[0]) {
		printUsage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base := commonFlags{
		server:      opts.server,
		agentServer: opts.agentServer,
		token:       opts.token,
		owner:       opts.owner,
		agent:       opts.agent,
		jsonOutput:  opts.jsonOutput,
		timeout:     opts.timeout,
	}
	if err := dispatch(ctx, args, base); err != nil {
		if errors.Is(err, errHelp) {
			return
		}
		msg, next, hints := describeError(err)
		printError(os.Stderr, msg, next, hints)
		os.Exit(1)
	}
}

func parseGlobal(args []string, getenv func(string) string) (globalOptions, []string, error) {
	opts := globalOptions{}
	fs := flag.NewFlagSet("fleetctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.server, "server", envOr(getenv, "FLEETCTL_SERVER", defaultControlEndpoint), "fleetd control endpoint")
	fs.StringVar(&opts.agentServer, "agent-server", envOr(getenv, "FLEETCTL_AGENT_SERVER", defaultAgentEndpoint), "fleetd agent endpoint")
	fs.StringVar(&opts.token, "token", envOr(getenv, "FLEETCTL_TOKEN", ""), "bearer token")
	fs.StringVar(&opts.owner, "owner", envOr(getenv, "FLEETCTL_OWNER", ""), "owner identity")
	fs.StringVar(&opts.agent, "agent", envOr(getenv, "FLEETCTL_AGENT", ""), "agent identity")
	fs.BoolVar(&opts.jsonOutput, "json", false, jsonFlagDescription)
	fs.DurationVar(&opts.timeout, "timeout", defaultRequestTimeout, "request timeout (e.g. 30s, 2m)")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, nil, err
	}
	return opts, fs.Args(), nil
}

func envOr(getenv func(string) string, key, fallback string) string {
	if getenv == nil {
		return fallback
	}
	if value := strings.TrimSpace(getenv(key)); value != "" {
		return value
	}
	return fallback
}

func dispatch(ctx context.Context, args []string, base commonFlags) error {
	switch args[0] {
	case "version":
		return runVersion(ctx, args[1:], base)
	case "regions":
		return runRegions(ctx, args[1:], base)
	case "pool":
		return runPoolCommand(ctx, args[1:], base)
	case "offering":
		return runOfferingCommand(ctx, args[1:], base)
	case "contract":
		return runContractCommand(ctx, args[1:], base)
	case "agent":
		return runAgentCommand(ctx, args[1:], base)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stdout, usageText)
}

func isHelpToken(value string) bool {
	switch strings.TrimSpace(value) {
	case "help", "-h", "--help":
		return true
	default:
		return false
	}
}
