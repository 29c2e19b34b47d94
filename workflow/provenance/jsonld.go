package provenance

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
)

// jsonldContext is pinned: consumers may rely on these term mappings
// never changing.
const jsonldContext = `{
  "prov": "http://www.w3.org/ns/prov#",
  "rdfs": "http://www.w3.org/2000/01/rdf-schema#",
  "xsd": "http://www.w3.org/2001/XMLSchema#",
  "nwb": "urn:nwbforge:vocab#",
  "Activity": "prov:Activity",
  "SoftwareAgent": "prov:SoftwareAgent",
  "Entity": "prov:Entity",
  "label": "rdfs:label",
  "startedAtTime": {"@id": "prov:startedAtTime", "@type": "xsd:dateTime"},
  "endedAtTime": {"@id": "prov:endedAtTime", "@type": "xsd:dateTime"},
  "wasAssociatedWith": {"@id": "prov:wasAssociatedWith", "@type": "@id"},
  "used": {"@id": "prov:used", "@type": "@id"},
  "wasGeneratedBy": {"@id": "prov:wasGeneratedBy", "@type": "@id"},
  "wasInformedBy": {"@id": "prov:wasInformedBy", "@type": "@id"}
}`

// WriteJSONLD streams the session's provenance graph as JSON-LD with
// the pinned context. Node key order is deterministic.
func WriteJSONLD(ctx context.Context, w io.Writer, store Store, sessionID string) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(`{"@context":`)
	compact, err := compactJSON(jsonldContext)
	if err != nil {
		return err
	}
	bw.Write(compact)
	bw.WriteString(`,"@graph":[`)

	first := true
	emit := func(node map[string]any) error {
		raw, err := json.Marshal(node)
		if err != nil {
			return err
		}
		if !first {
			bw.WriteByte(',')
		}
		first = false
		_, err = bw.Write(raw)
		return err
	}

	if err := emit(map[string]any{"@id": SessionURI(sessionID), "@type": "Entity"}); err != nil {
		return err
	}
	err = store.Replay(ctx, sessionID, func(rec Record) error {
		for _, node := range recordNodes(rec) {
			if err := emit(node); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrSessionUnknown) {
		return err
	}
	bw.WriteString("]}\n")
	return bw.Flush()
}

func recordNodes(rec Record) []map[string]any {
	activity := map[string]any{
		"@id":               rec.Activity,
		"@type":             "Activity",
		"startedAtTime":     rec.StartedAt.UTC().Format(time.RFC3339Nano),
		"endedAtTime":       rec.EndedAt.UTC().Format(time.RFC3339Nano),
		"wasAssociatedWith": rec.Agent.URI,
		"nwb:step":          rec.StepID,
	}
	if len(rec.Used) > 0 {
		uris := make([]string, len(rec.Used))
		for i, u := range rec.Used {
			uris[i] = u.URI
		}
		activity["used"] = uris
	}
	for _, key := range sortedKeys(rec.Attributes) {
		activity["nwb:"+predicateName(key)] = rec.Attributes[key]
	}

	nodes := []map[string]any{
		activity,
		{
			"@id":          rec.Agent.URI,
			"@type":        "SoftwareAgent",
			"nwb:role":     rec.Agent.Role,
			"nwb:instance": rec.Agent.Instance,
		},
	}
	for _, used := range rec.Used {
		node := map[string]any{"@id": used.URI, "@type": "Entity"}
		if used.Label != "" {
			node["label"] = used.Label
		}
		nodes = append(nodes, node)
	}
	for _, gen := range rec.Generated {
		node := map[string]any{
			"@id":            gen.URI,
			"@type":          "Entity",
			"wasGeneratedBy": rec.Activity,
		}
		if gen.Label != "" {
			node["label"] = gen.Label
		}
		nodes = append(nodes, node)
	}
	for _, att := range rec.Attempts {
		nodes = append(nodes, map[string]any{
			"@id":           AttemptURI(att.InvocationID),
			"@type":         "Activity",
			"wasInformedBy": rec.Activity,
			"startedAtTime": att.StartedAt.UTC().Format(time.RFC3339Nano),
			"endedAtTime":   att.EndedAt.UTC().Format(time.RFC3339Nano),
			"nwb:attempt":   att.Number,
			"nwb:outcome":   att.Outcome,
		})
	}
	return nodes
}

func compactJSON(s string) ([]byte, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
