package checksum

import "testing"

func TestVerify(t *testing.T) {
	snap := []byte{0x0a, 0x03, 'f', 's', 0x01}
	sum := Sum(snap)
	if len(sum) != 64 {
		t.Fatalf("sum length = %d", len(sum))
	}
	if !Verify(snap, sum) {
		t.Error("own digest rejected")
	}
	if Verify(append(snap, 0), sum) {
		t.Error("extended snapshot accepted")
	}
	if Verify(snap[:2], sum) {
		t.Error("torn snapshot accepted")
	}
	if !Verify(nil, "") {
		t.Error("never-compacted document rejected")
	}
	if Verify(nil, sum) {
		t.Error("missing snapshot with a digest accepted")
	}
}
