package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
)

// stdoutIsTerminal reports whether tables should be rendered. Piped output
// is JSON so scripts never parse column layouts.
var stdoutIsTerminal = func() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (c commonFlags) wantJSON() bool {
	return c.jsonOutput || !stdoutIsTerminal()
}

// emit prints data as indented JSON or hands it to render.
func (c commonFlags) emit(data []byte, render func(w io.Writer) error) error {
	if c.wantJSON() || render == nil {
		return prettyPrintJSON(os.Stdout, data)
	}
	return render(os.Stdout)
}

func prettyPrintJSON(w io.Writer, data []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	out.WriteByte('\n')
	_, err := w.Write(out.Bytes())
	return err
}

func newTable(w io.Writer, header ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 2, 8, 2, ' ', 0)
	if len(header) > 0 {
		_, _ = fmt.Fprintln(tw, strings.Join(header, "\t"))
	}
	return tw
}

func printPools(w io.Writer, pools []poolWithStatsResponse) error {
	if len(pools) == 0 {
		_, err := fmt.Fprintln(w, "no pools")
		return err
	}
	tw := newTable(w, "POOL_ID", "NAME", "REGION", "PROVISIONER", "AGENTS", "ONLINE", "OFFERINGS", "ACTIVE")
	for _, p := range pools {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			p.PoolID, p.Name, p.Region, p.ProvisionerType, p.AgentCount, p.OnlineCount, p.OfferingsCount, p.ActiveContracts)
	}
	return tw.Flush()
}

func printPool(w io.Writer, pool poolResponse) error {
	tw := newTable(w)
	_, _ = fmt.Fprintf(tw, "Pool ID:\t%s\n", pool.PoolID)
	_, _ = fmt.Fprintf(tw, "Name:\t%s\n", pool.Name)
	_, _ = fmt.Fprintf(tw, "Owner:\t%s\n", pool.OwnerID)
	_, _ = fmt.Fprintf(tw, "Region:\t%s\n", pool.Region)
	_, _ = fmt.Fprintf(tw, "Provisioner:\t%s\n", pool.ProvisionerType)
	_, _ = fmt.Fprintf(tw, "Created:\t%s\n", orDash(pool.CreatedAt))
	_, _ = fmt.Fprintf(tw, "Updated:\t%s\n", orDash(pool.UpdatedAt))
	return tw.Flush()
}

func printSetupToken(w io.Writer, token setupTokenResponse) error {
	tw := newTable(w)
	_, _ = fmt.Fprintf(tw, "Token:\t%s\n", token.Token)
	_, _ = fmt.Fprintf(tw, "Pool ID:\t%s\n", token.PoolID)
	_, _ = fmt.Fprintf(tw, "Expires:\t%s\n", token.ExpiresAt)
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, "The token is shown once; store it before closing this terminal.")
	return err
}

func printPendingTokens(w io.Writer, tokens []pendingTokenResponse) error {
	if len(tokens) == 0 {
		_, err := fmt.Fprintln(w, "no pending tokens")
		return err
	}
	tw := newTable(w, "HASH_PREFIX", "LABEL", "CREATED", "EXPIRES")
	for _, tok := range tokens {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", tok.HashPrefix, orDash(tok.Label), tok.CreatedAt, tok.ExpiresAt)
	}
	return tw.Flush()
}

func printPoolAgents(w io.Writer, agents []poolAgentResponse) error {
	if len(agents) == 0 {
		_, err := fmt.Fprintln(w, "no agents")
		return err
	}
	tw := newTable(w, "AGENT_ID", "LABEL", "ONLINE", "VERSION", "RUNNING", "LAST_HEARTBEAT")
	for _, a := range agents {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			a.AgentID, orDash(a.Label), yesNo(a.Online), orDash(a.Version), a.RunningInstances, orDashPtr(a.LastHeartbeatAt))
	}
	return tw.Flush()
}

func printOffering(w io.Writer, offering offeringResponse) error {
	tw := newTable(w)
	_, _ = fmt.Fprintf(tw, "Offering ID:\t%s\n", offering.OfferingID)
	_, _ = fmt.Fprintf(tw, "Owner:\t%s\n", offering.OwnerID)
	_, _ = fmt.Fprintf(tw, "Country:\t%s\n", offering.DatacenterCountry)
	_, _ = fmt.Fprintf(tw, "Region:\t%s\n", orDash(offering.Region))
	_, _ = fmt.Fprintf(tw, "Provisioner:\t%s\n", orDash(offering.ProvisionerType))
	_, _ = fmt.Fprintf(tw, "Explicit pool:\t%s\n", orDashPtr(offering.AgentPoolID))
	_, _ = fmt.Fprintf(tw, "Resolved pool:\t%s\n", orDashPtr(offering.ResolvedPoolID))
	return tw.Flush()
}

func printContract(w io.Writer, contract contractResponse) error {
	tw := newTable(w)
	_, _ = fmt.Fprintf(tw, "Contract ID:\t%s\n", contract.ContractID)
	_, _ = fmt.Fprintf(tw, "Offering ID:\t%s\n", contract.OfferingID)
	_, _ = fmt.Fprintf(tw, "Status:\t%s\n", contract.Status)
	_, _ = fmt.Fprintf(tw, "Ends:\t%s\n", orDashPtr(contract.EndTimestamp))
	if contract.Lock != nil {
		_, _ = fmt.Fprintf(tw, "Locked by:\t%s (until %s)\n", contract.Lock.AgentID, contract.Lock.ExpiresAt)
	} else {
		_, _ = fmt.Fprintf(tw, "Locked by:\t-\n")
	}
	_, _ = fmt.Fprintf(tw, "Provisioned:\t%s\n", orDashPtr(contract.ProvisionedAt))
	_, _ = fmt.Fprintf(tw, "Failures:\t%d\n", contract.FailureCount)
	_, _ = fmt.Fprintf(tw, "Last failure:\t%s\n", orDash(contract.LastFailureReason))
	switch {
	case contract.DetailsSealed:
		_, _ = fmt.Fprintf(tw, "Instance details:\tsealed\n")
	case len(contract.InstanceDetails) > 0:
		_, _ = fmt.Fprintf(tw, "Instance details:\t%s\n", string(contract.InstanceDetails))
	}
	return tw.Flush()
}

func printEvents(w io.Writer, events []eventResponse) error {
	if len(events) == 0 {
		_, err := fmt.Fprintln(w, "no events")
		return err
	}
	tw := newTable(w, "ID", "TIME", "KIND", "AGENT", "MESSAGE")
	for _, ev := range events {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", ev.ID, ev.Timestamp, ev.Kind, orDash(ev.AgentID), orDash(ev.Message))
	}
	return tw.Flush()
}

func printRegions(w io.Writer, resp regionsResponse) error {
	tw := newTable(w, "REGION", "NAME", "DEFAULT")
	for _, r := range resp.Regions {
		def := ""
		if r.ID == resp.Default {
			def = "*"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, r.Name, def)
	}
	return tw.Flush()
}

func printReconcile(w io.Writer, resp reconcileResponse) error {
	tw := newTable(w, "EXTERNAL_ID", "VERDICT", "CONTRACT", "DETAIL")
	for _, k := range resp.Keep {
		_, _ = fmt.Fprintf(tw, "%s\tkeep\t%s\t%s\n", k.ExternalID, k.ContractID, orDashPtr(k.EndsAt))
	}
	for _, t := range resp.Terminate {
		_, _ = fmt.Fprintf(tw, "%s\tterminate\t%s\t%s\n", t.ExternalID, t.ContractID, t.Reason)
	}
	for _, u := range resp.Unknown {
		_, _ = fmt.Fprintf(tw, "%s\tunknown\t-\t%s\n", u.ExternalID, orDash(u.Message))
	}
	return tw.Flush()
}

func printKeyValues(w io.Writer, pairs ...string) error {
	tw := newTable(w)
	for i := 0; i+1 < len(pairs); i += 2 {
		_, _ = fmt.Fprintf(tw, "%s:\t%s\n", pairs[i], orDash(pairs[i+1]))
	}
	return tw.Flush()
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func orDashPtr(value *string) string {
	if value == nil || strings.TrimSpace(*value) == "" {
		return "-"
	}
	return *value
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func intString(value int) string {
	return strconv.Itoa(value)
}
