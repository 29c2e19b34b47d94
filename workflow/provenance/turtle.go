package provenance

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

const turtlePreamble = `@prefix prov: <http://www.w3.org/ns/prov#> .
@prefix rdfs: <http://www.w3.org/2000/01/rdf-schema#> .
@prefix xsd: <http://www.w3.org/2001/XMLSchema#> .
@prefix nwb: <urn:nwbforge:vocab#> .

`

// WriteTurtle streams the session's provenance graph as Turtle. Output
// is deterministic: records in insertion order, fixed predicate order,
// attributes sorted by key. A session with no recorded activities
// serializes as the bare session entity.
func WriteTurtle(ctx context.Context, w io.Writer, store Store, sessionID string) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(turtlePreamble); err != nil {
		return err
	}
	fmt.Fprintf(bw, "<%s> a prov:Entity .\n\n", SessionURI(sessionID))

	err := store.Replay(ctx, sessionID, func(rec Record) error {
		writeRecordTurtle(bw, rec)
		return nil
	})
	if err != nil && !errors.Is(err, ErrSessionUnknown) {
		return err
	}
	return bw.Flush()
}

func writeRecordTurtle(w *bufio.Writer, rec Record) {
	fmt.Fprintf(w, "<%s> a prov:Activity ;\n", rec.Activity)
	fmt.Fprintf(w, "    prov:startedAtTime %s ;\n", ttlDateTime(rec.StartedAt))
	fmt.Fprintf(w, "    prov:endedAtTime %s ;\n", ttlDateTime(rec.EndedAt))
	fmt.Fprintf(w, "    prov:wasAssociatedWith <%s> ;\n", rec.Agent.URI)
	for _, used := range rec.Used {
		fmt.Fprintf(w, "    prov:used <%s> ;\n", used.URI)
	}
	for _, key := range sortedKeys(rec.Attributes) {
		fmt.Fprintf(w, "    nwb:%s %s ;\n", predicateName(key), ttlString(rec.Attributes[key]))
	}
	fmt.Fprintf(w, "    nwb:step %s .\n\n", ttlString(rec.StepID))

	fmt.Fprintf(w, "<%s> a prov:SoftwareAgent ;\n", rec.Agent.URI)
	fmt.Fprintf(w, "    nwb:role %s ;\n", ttlString(rec.Agent.Role))
	fmt.Fprintf(w, "    nwb:instance %s .\n\n", ttlString(rec.Agent.Instance))

	for _, used := range rec.Used {
		fmt.Fprintf(w, "<%s> a prov:Entity", used.URI)
		if used.Label != "" {
			fmt.Fprintf(w, " ;\n    rdfs:label %s", ttlString(used.Label))
		}
		w.WriteString(" .\n\n")
	}
	for _, gen := range rec.Generated {
		fmt.Fprintf(w, "<%s> a prov:Entity ;\n", gen.URI)
		if gen.Label != "" {
			fmt.Fprintf(w, "    rdfs:label %s ;\n", ttlString(gen.Label))
		}
		fmt.Fprintf(w, "    prov:wasGeneratedBy <%s> .\n\n", rec.Activity)
	}
	for _, att := range rec.Attempts {
		fmt.Fprintf(w, "<%s> a prov:Activity ;\n", AttemptURI(att.InvocationID))
		fmt.Fprintf(w, "    prov:wasInformedBy <%s> ;\n", rec.Activity)
		fmt.Fprintf(w, "    prov:startedAtTime %s ;\n", ttlDateTime(att.StartedAt))
		fmt.Fprintf(w, "    prov:endedAtTime %s ;\n", ttlDateTime(att.EndedAt))
		fmt.Fprintf(w, "    nwb:attempt \"%d\"^^xsd:integer ;\n", att.Number)
		fmt.Fprintf(w, "    nwb:outcome %s .\n\n", ttlString(att.Outcome))
	}
}

func ttlDateTime(t time.Time) string {
	return fmt.Sprintf("%q^^xsd:dateTime", t.UTC().Format(time.RFC3339Nano))
}

// ttlString quotes a Turtle string literal.
func ttlString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// predicateName restricts attribute keys to IRI-safe local names.
func predicateName(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
