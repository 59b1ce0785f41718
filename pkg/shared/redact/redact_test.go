package redact

import "testing"

func TestHeadersMasksSensitiveValues(t *testing.T) {
	in := map[string]string{"authorization": "Bearer x", "accept": "*/*", "set-cookie": "sid=1"}
	out := Headers(in)
	if out["authorization"] != mask || out["set-cookie"] != mask {
		t.Fatalf("sensitive headers not masked: %v", out)
	}
	if out["accept"] != "*/*" {
		t.Fatalf("unexpected change: %v", out)
	}
	if in["authorization"] != "Bearer x" {
		t.Fatalf("input mutated")
	}
}

func TestJSONMasksNestedKeys(t *testing.T) {
	got := JSON(`{"user":{"access_token":"abc","name":"n"},"list":[{"apikey":"k"}]}`)
	want := `{"list":[{"apikey":"***"}],"user":{"access_token":"***","name":"n"}}`
	if got != want {
		t.Fatalf("got %s", got)
	}
	if JSON("not json") != "not json" {
		t.Fatalf("non-json input must pass through")
	}
}
