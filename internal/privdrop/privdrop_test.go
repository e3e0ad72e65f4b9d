package privdrop

import "testing"

func TestDropNoopWhenZero(t *testing.T) {
	if err := Drop(0, 0); err != nil {
		t.Fatalf("Drop(0, 0) should be a no-op, got %v", err)
	}
}
