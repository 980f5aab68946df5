package agents

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/tinyland-inc/aetherbridge/cmd/aetherbridge/internal"
	"github.com/tinyland-inc/aetherbridge/pkg/registry"
)

func loadRegistry() (*registry.Registry, error) {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if err := internal.SetupLogging(cfg, false); err != nil {
		return nil, err
	}
	return internal.LoadRegistry(cfg)
}

func listAgents(out io.Writer, agents []registry.Agent, asJSON bool) error {
	if asJSON {
		data, err := json.MarshalIndent(agents, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	if len(agents) == 0 {
		_, err := fmt.Fprintln(out, "No agents registered.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tINBOX\tCAPABILITIES")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\n", a.Name, a.Inbox, strings.Join(a.CapabilitiesKeywords, ", "))
	}
	return w.Flush()
}

func describeAgent(out io.Writer, agent registry.Agent) error {
	data, err := json.MarshalIndent(agent, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
