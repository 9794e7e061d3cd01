package response

import "testing"

func TestDiscardIgnoresEverything(t *testing.T) {
	var d Discard
	d.PostOK()
	d.PostError("boom")
	d.PostData(1, 2, 3)
	d.PostList([]string{"a", "b"})
	// Nothing to assert: Discard has no observable state. Reaching here
	// without a panic is the test.
}

func TestRecorderPostOK(t *testing.T) {
	var r Recorder
	r.PostOK()
	if !r.OK {
		t.Error("expected OK to be true")
	}
	if r.Errored || r.HasData || r.HasList {
		t.Error("PostOK should not set the other fields")
	}
}

func TestRecorderPostError(t *testing.T) {
	var r Recorder
	r.PostError("bad key")
	if !r.Errored || r.Error != "bad key" {
		t.Errorf("got Errored=%v Error=%q", r.Errored, r.Error)
	}
}

func TestRecorderPostData(t *testing.T) {
	var r Recorder
	r.PostData("a", 1, []byte("b"))
	if !r.HasData || len(r.Data) != 3 {
		t.Fatalf("got HasData=%v Data=%v", r.HasData, r.Data)
	}
}

func TestRecorderPostList(t *testing.T) {
	var r Recorder
	r.PostList([]string{"x", "y"})
	if !r.HasList || len(r.List) != 2 {
		t.Fatalf("got HasList=%v List=%v", r.HasList, r.List)
	}
}
