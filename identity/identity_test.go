package identity

import "testing"

func TestMaskDeterministic(t *testing.T) {
	var u UserID
	u[0] = 0x01
	u[31] = 0x01

	m1 := u.Mask()
	m2 := u.Mask()
	if m1 != m2 {
		t.Fatal("Mask is not deterministic")
	}
}

func TestMaskDoesNotRevealID(t *testing.T) {
	var u UserID
	u[0] = 0x42
	if u.Mask() == (MaskedUserID)(u) {
		t.Fatal("masked id equals raw id")
	}
}

func TestXORCommutative(t *testing.T) {
	var a, b UserID
	a[0], a[31] = 0x01, 0x01
	b[0], b[31] = 0x02, 0x02

	ab := XOR(a, b)
	ba := XOR(b, a)
	for i := range ab {
		if ab[i] != ba[i] {
			t.Fatalf("XOR not commutative at byte %d", i)
		}
	}
}
