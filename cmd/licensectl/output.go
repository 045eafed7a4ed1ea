package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MacJediWizard/keyforge/internal/license"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printLicense(w io.Writer, asJSON bool, lic *license.License) error {
	if asJSON {
		return writeJSON(w, lic)
	}

	fmt.Fprintf(w, "Key:         %s\n", lic.Key)
	fmt.Fprintf(w, "Product:     %s\n", lic.ProductID)
	fmt.Fprintf(w, "Type:        %s\n", lic.Type)
	fmt.Fprintf(w, "Status:      %s\n", lic.Status)
	fmt.Fprintf(w, "Valid:       %s to %s\n", lic.Start.Format(time.RFC3339), lic.End.Format(time.RFC3339))
	fmt.Fprintf(w, "Activations: %d\n", lic.ActivationCount)
	if lic.LastUsed != nil {
		fmt.Fprintf(w, "Last used:   %s\n", lic.LastUsed.Format(time.RFC3339))
	}
	if len(lic.Metadata) > 0 {
		fmt.Fprintf(w, "Metadata:    %s\n", formatMetadata(lic.Metadata))
	}
	return nil
}

func printLicenses(w io.Writer, asJSON bool, licenses []*license.License) error {
	if asJSON {
		if licenses == nil {
			licenses = []*license.License{}
		}
		return writeJSON(w, licenses)
	}

	if len(licenses) == 0 {
		fmt.Fprintln(w, "No licenses found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tPRODUCT\tTYPE\tSTATUS\tEND\tACTIVATIONS")
	for _, lic := range licenses {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
			lic.Key, lic.ProductID, lic.Type, lic.Status, lic.End.Format(dateLayout), lic.ActivationCount)
	}
	return tw.Flush()
}

func printHistory(w io.Writer, asJSON bool, entries []*license.AuditEntry) error {
	if asJSON {
		if entries == nil {
			entries = []*license.AuditEntry{}
		}
		return writeJSON(w, entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(w, "No audit entries found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Action, e.ActorID, formatMetadata(e.Details))
	}
	return tw.Flush()
}

func formatMetadata(md license.Metadata) string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+md[k].Text())
	}
	return strings.Join(parts, " ")
}

type payloadJSON struct {
	ProductID string    `json:"product_id"`
	Type      string    `json:"type"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

func payloadView(p license.Payload) payloadJSON {
	return payloadJSON{ProductID: p.ProductID, Type: string(p.Type), Start: p.Start, End: p.End}
}
