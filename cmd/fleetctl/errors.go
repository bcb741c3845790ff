package main

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
)

// cliError carries what to print besides the message: one suggested next
// command and any number of hints.
type cliError struct {
	msg   string
	next  string
	hints []string
	err   error
}

func (e *cliError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.msg != "":
		return e.msg
	case e.err != nil:
		return e.err.Error()
	}
	return "unknown error"
}

func (e *cliError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func newCLIError(msg, next string, hints ...string) error {
	return &cliError{
		msg:   strings.TrimSpace(msg),
		next:  strings.TrimSpace(next),
		hints: normalizeHints(hints),
	}
}

// annotate adds next (unless one is already set) and hints to err, wrapping
// it in a cliError when it is not one yet.
func annotate(err error, next string, hints ...string) error {
	if err == nil {
		return nil
	}
	next = strings.TrimSpace(next)
	hints = normalizeHints(hints)
	if next == "" && len(hints) == 0 {
		return err
	}
	var ce *cliError
	if !errors.As(err, &ce) {
		return &cliError{err: err, next: next, hints: hints}
	}
	if ce.next == "" {
		ce.next = next
	}
	ce.hints = normalizeHints(append(ce.hints, hints...))
	return err
}

func withHints(err error, hints ...string) error { return annotate(err, "", hints...) }

func withNext(err error, next string) error { return annotate(err, next) }

type remedy struct {
	next string
	hint string
}

// remedies maps fleetd error codes to what the operator can do about them.
var remedies = map[string]remedy{
	"v1/auth/missing_bearer_token":   {next: "pass --token or set FLEETCTL_TOKEN"},
	"v1/auth/invalid_bearer_token":   {next: "pass --token or set FLEETCTL_TOKEN"},
	"v1/auth/missing_identity":       {next: "pass --owner (control commands) or --agent (agent commands)"},
	"v1/auth/rate_limited":           {next: "wait a second and retry"},
	"v1/token/used":                  {next: "issue a fresh token with 'fleetctl pool token <pool_id>'"},
	"v1/token/expired":               {next: "issue a fresh token with 'fleetctl pool token <pool_id>'"},
	"v1/token/invalid":               {next: "issue a fresh token with 'fleetctl pool token <pool_id>'"},
	"v1/agent/location_mismatch":     {next: "re-run setup with --force if the location is intended"},
	"v1/agent/not_delegated":         {next: "register the agent with 'fleetctl agent setup --token <token>'"},
	"v1/pool/not_empty":              {next: "revoke the pool's agents with 'fleetctl agent revoke <agent_id>' first"},
	"v1/lock/conflict":               {hint: "another agent holds the lock; it is released on expiry"},
	"v1/lock/not_holder":             {hint: "only the agent that acquired the lock may release or complete it"},
	"v1/contract/invalid_transition": {hint: "inspect the contract with 'fleetctl contract show <contract_id>'"},
}

// explainRemote attaches a next step keyed on the fleetd error code.
func explainRemote(err error) error {
	var re *remoteError
	if errors.As(err, &re) {
		r, ok := remedies[re.code]
		if !ok {
			return err
		}
		return annotate(err, r.next, r.hint)
	}
	var ce *cliError
	if !errors.As(err, &ce) && strings.Contains(err.Error(), "connection refused") {
		return withHints(err, "is fleetd running? check --server or FLEETCTL_SERVER")
	}
	return err
}

func describeError(err error) (msg, next string, hints []string) {
	if err == nil {
		return "", "", nil
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return strings.TrimSpace(ce.Error()), ce.next, normalizeHints(ce.hints)
	}
	return strings.TrimSpace(err.Error()), "", nil
}

func normalizeHints(hints []string) []string {
	out := make([]string, 0, len(hints))
	for _, hint := range hints {
		hint = strings.TrimSpace(hint)
		if hint != "" && !slices.Contains(out, hint) {
			out = append(out, hint)
		}
	}
	return out
}

func printError(w io.Writer, msg, next string, hints []string) {
	if w == nil {
		return
	}
	if msg = strings.TrimSpace(msg); msg == "" {
		msg = "unknown error"
	}
	fmt.Fprintf(w, "error: %s\n", msg)
	if next = strings.TrimSpace(next); next != "" {
		fmt.Fprintf(w, "next: %s\n", next)
	}
	for _, hint := range normalizeHints(hints) {
		fmt.Fprintf(w, "hint: %s\n", hint)
	}
}
