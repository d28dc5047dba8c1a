package store

import (
	"encoding/json"
	"testing"
)

func TestMetadataJSON(t *testing.T) {
	m := Metadata{
		"name":   String("karma"),
		"score":  Number(0.5),
		"active": Bool(false),
		"nested": Map(Metadata{"depth": Number(2)}),
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"active":false,"name":"karma","nested":{"depth":2},"score":0.5}`
	if string(b) != want {
		t.Errorf("json = %s, want %s", b, want)
	}

	var back Metadata
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !back.Equal(m) {
		t.Errorf("round trip = %+v", back)
	}
}

func TestMetadataRejectsArraysAndNulls(t *testing.T) {
	for _, doc := range []string{`{"a":[1,2]}`, `{"a":null}`, `{"a":{"b":[]}}`, `[1]`, `"str"`} {
		var m Metadata
		if err := json.Unmarshal([]byte(doc), &m); err == nil {
			t.Errorf("Unmarshal(%s) succeeded, want error", doc)
		}
	}

	var m Metadata
	if err := json.Unmarshal([]byte(`null`), &m); err != nil || m != nil {
		t.Errorf("null metadata = %v, %v", m, err)
	}
}

func TestNodeJSONCarriesMetadata(t *testing.T) {
	var in NodeInput
	err := json.Unmarshal([]byte(`{"label":"x","type":"t","weight":0.5,"metadata":{"k":"v"}}`), &in)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v, ok := in.Metadata["k"].AsString(); !ok || v != "v" {
		t.Errorf("metadata k = %q, %v", v, ok)
	}
}
