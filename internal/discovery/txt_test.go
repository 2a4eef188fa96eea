package discovery

import "testing"

func TestTxtRecordExport(t *testing.T) {
	var r TxtRecord
	r = r.Add("id", "abc123")
	r = r.IfNotEmpty("name", "workbench")
	r = r.IfNotEmpty("override", "")

	exported := r.Export()
	if len(exported) != 2 {
		t.Fatalf("Export() len = %d, want 2", len(exported))
	}
	if string(exported[0]) != "id=abc123" {
		t.Errorf("exported[0] = %q", exported[0])
	}
	if string(exported[1]) != "name=workbench" {
		t.Errorf("exported[1] = %q", exported[1])
	}
}

func TestTxtRecordIfNotEmptySkipsBlankValues(t *testing.T) {
	var r TxtRecord
	r = r.IfNotEmpty("override", "")
	if len(r) != 0 {
		t.Fatalf("expected no items, got %v", r)
	}
}
