package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/AuditLedger/pkg/client"
	"gopkg.in/yaml.v3"
)

type printer struct {
	w      io.Writer
	format string
}

// structured writes v as JSON or YAML. It reports false for text output so
// the caller can render its own table.
func (p *printer) structured(v any) (bool, error) {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so YAML keys match the API's field names.
		b, err := json.Marshal(v)
		if err != nil {
			return true, err
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return true, err
		}
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(generic)
	}
	return false, nil
}

func (p *printer) entries(entries []client.Entry) {
	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tACTION\tENTITY\tACTOR\tCHAIN\tDESCRIPTION")
	for _, e := range entries {
		entity := e.EntityType
		if e.EntityID != "" {
			entity += "/" + e.EntityID
		}
		chain := e.ChainStatus
		if chain == "" {
			chain = "-"
		} else if e.ChainReason != "" {
			chain += " (" + e.ChainReason + ")"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.SequenceNumber,
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.ActionType,
			entity,
			e.ActorID,
			chain,
			e.Description,
		)
	}
	w.Flush()
}

func (p *printer) entry(e *client.Entry) {
	fmt.Fprintf(p.w, "Sequence:      %d\n", e.SequenceNumber)
	fmt.Fprintf(p.w, "Created:       %s\n", e.CreatedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(p.w, "Action:        %s\n", e.ActionType)
	fmt.Fprintf(p.w, "Entity:        %s %s\n", e.EntityType, e.EntityID)
	fmt.Fprintf(p.w, "Actor:         %s %s\n", e.ActorID, e.ActorLabel)
	fmt.Fprintf(p.w, "Origin:        %s\n", e.OriginAddress)
	fmt.Fprintf(p.w, "Description:   %s\n", e.Description)
	if len(e.DataChanges) > 0 {
		fmt.Fprintln(p.w, "Changes:")
		keys := make([]string, 0, len(e.DataChanges))
		for k := range e.DataChanges {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ch := e.DataChanges[k]
			fmt.Fprintf(p.w, "  %s: %v -> %v\n", k, ch.Before, ch.After)
		}
	}
	fmt.Fprintf(p.w, "Previous hash: %s\n", e.PreviousHash)
	fmt.Fprintf(p.w, "Current hash:  %s\n", e.CurrentHash)
}

func (p *printer) verification(v *client.Verification) {
	if v.Valid {
		fmt.Fprintf(p.w, "chain valid: %d entries checked\n", v.Checked)
		return
	}
	fmt.Fprintf(p.w, "chain BROKEN at %d (%s): %d entries checked\n", v.BrokenAt, v.Reason, v.Checked)
	if len(v.Breaks) > 1 {
		parts := make([]string, len(v.Breaks))
		for i, b := range v.Breaks {
			parts[i] = fmt.Sprintf("%d (%s)", b.SequenceNumber, b.Reason)
		}
		fmt.Fprintf(p.w, "all breaks: %s\n", strings.Join(parts, ", "))
	}
}
