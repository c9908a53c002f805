package main

import "testing"

func TestMakeJobs(t *testing.T) {
	jobs, err := makeJobs([]string{"a.tif", "b.tif"}, "")
	if err != nil {
		t.Fatalf("makeJobs failed: %v", err)
	}
	if len(jobs) != 2 || jobs[0].annotation != "" || jobs[1].slide != "b.tif" {
		t.Errorf("Unexpected jobs %+v", jobs)
	}

	jobs, err = makeJobs([]string{"a.tif", "b.tif"}, "a_mask.png, ")
	if err != nil {
		t.Fatalf("makeJobs failed: %v", err)
	}
	if jobs[0].annotation != "a_mask.png" || jobs[1].annotation != "" {
		t.Errorf("Unexpected annotations %+v", jobs)
	}

	if _, err := makeJobs([]string{"a.tif"}, "x.png,y.png"); err == nil {
		t.Error("Expected error for mismatched annotation count")
	}
}
