package bus

import "testing"

func TestEncodeParseRoundTrip(t *testing.T) {
	ev := Event{Status: StatusFinished, StreamID: "s1", ObjectID: "o:with:colons"}
	got, err := Parse(ev.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if got != ev {
		t.Fatalf("got %+v want %+v", got, ev)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, p := range []string{"", "finished", "finished:s1", "finished::o1", "exploded:s1:o1"} {
		if _, err := Parse(p); err == nil {
			t.Fatalf("Parse(%q) should fail", p)
		}
	}
}

func TestValidStreamID(t *testing.T) {
	for id, want := range map[string]bool{"s1": true, "a1b2c3": true, "": false, "tenant:s1": false} {
		if got := ValidStreamID(id); got != want {
			t.Fatalf("ValidStreamID(%q) = %v, want %v", id, got, want)
		}
	}
	// A ':' in the stream id cannot survive the payload format.
	ev := Event{Status: StatusFinished, StreamID: "tenant:s1", ObjectID: "o1"}
	got, err := Parse(ev.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if got == ev {
		t.Fatal("stream id with ':' unexpectedly round-tripped")
	}
}
