package provenance

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func populatedStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	ctx := context.Background()
	for _, step := range []string{"analyze", "convert"} {
		if err := store.Append(ctx, testRecord("s1", step)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return store
}

func TestWriteTurtle(t *testing.T) {
	store := populatedStore(t)
	var buf bytes.Buffer
	if err := WriteTurtle(context.Background(), &buf, store, "s1"); err != nil {
		t.Fatalf("WriteTurtle: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"@prefix prov: <http://www.w3.org/ns/prov#> .",
		"<urn:nwbforge:session:s1> a prov:Entity .",
		"<urn:nwbforge:activity:s1:convert> a prov:Activity ;",
		`prov:startedAtTime "2026-01-02T10:00:00Z"^^xsd:dateTime`,
		"prov:wasAssociatedWith <urn:nwbforge:agent:conversion:conv-0>",
		"<urn:nwbforge:agent:conversion:conv-0> a prov:SoftwareAgent ;",
		"prov:used <urn:nwbforge:entity:s1:dataset>",
		"<urn:nwbforge:entity:s1:out.nwb> a prov:Entity ;",
		"prov:wasGeneratedBy <urn:nwbforge:activity:s1:convert>",
		"<urn:nwbforge:attempt:inv-1> a prov:Activity ;",
		"prov:wasInformedBy <urn:nwbforge:activity:s1:convert>",
		`nwb:attempt "2"^^xsd:integer`,
		`nwb:outcome "ok"`,
		`nwb:format "SpikeGLX"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("turtle output missing %q\n%s", want, out)
		}
	}
}

func TestWriteTurtleDeterministic(t *testing.T) {
	store := populatedStore(t)
	var a, b bytes.Buffer
	if err := WriteTurtle(context.Background(), &a, store, "s1"); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteTurtle(context.Background(), &b, store, "s1"); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("turtle serialization is not byte-identical across runs")
	}
}

func TestWriteTurtleUnknownSession(t *testing.T) {
	store := NewMemoryStore()
	var buf bytes.Buffer
	if err := WriteTurtle(context.Background(), &buf, store, "missing"); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestWriteJSONLD(t *testing.T) {
	store := populatedStore(t)
	var buf bytes.Buffer
	if err := WriteJSONLD(context.Background(), &buf, store, "s1"); err != nil {
		t.Fatalf("WriteJSONLD: %v", err)
	}
	if !json.Valid(buf.Bytes()) {
		t.Fatalf("output is not valid JSON:\n%s", buf.String())
	}

	var doc struct {
		Context map[string]any   `json:"@context"`
		Graph   []map[string]any `json:"@graph"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if doc.Context["prov"] != "http://www.w3.org/ns/prov#" {
		t.Errorf("pinned context missing prov namespace: %v", doc.Context)
	}

	// Session node + per record: activity, agent, used entity,
	// generated entity, two attempts.
	wantNodes := 1 + 2*6
	if len(doc.Graph) != wantNodes {
		t.Errorf("graph nodes = %d, want %d", len(doc.Graph), wantNodes)
	}

	byID := make(map[string]map[string]any)
	for _, node := range doc.Graph {
		if id, ok := node["@id"].(string); ok {
			byID[id] = node
		}
	}
	act, ok := byID["urn:nwbforge:activity:s1:convert"]
	if !ok {
		t.Fatal("convert activity missing from graph")
	}
	if act["@type"] != "Activity" || act["wasAssociatedWith"] != "urn:nwbforge:agent:conversion:conv-0" {
		t.Errorf("activity node = %v", act)
	}
	gen, ok := byID["urn:nwbforge:entity:s1:out.nwb"]
	if !ok {
		t.Fatal("generated entity missing from graph")
	}
	if gen["wasGeneratedBy"] != "urn:nwbforge:activity:s1:convert" {
		t.Errorf("generated node = %v", gen)
	}
}

func TestWriteJSONLDDeterministic(t *testing.T) {
	store := populatedStore(t)
	var a, b bytes.Buffer
	if err := WriteJSONLD(context.Background(), &a, store, "s1"); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteJSONLD(context.Background(), &b, store, "s1"); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("json-ld serialization is not byte-identical across runs")
	}
}

func TestURIEscaping(t *testing.T) {
	uri := EntityURI("s 1", "out file.nwb")
	if strings.ContainsAny(uri, " <>") {
		t.Errorf("unescaped URI: %s", uri)
	}
	if got := SessionURI("abc"); got != "urn:nwbforge:session:abc" {
		t.Errorf("SessionURI = %s", got)
	}
}
