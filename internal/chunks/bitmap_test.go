package chunks

import "testing"

func TestBitmapBasics(t *testing.T) {
	b := NewBitmap(10)
	if b.LenBits() != 10 {
		t.Fatalf("LenBits mismatch: got %d", b.LenBits())
	}
	b.Set(0)
	b.Set(3)
	b.Set(9)

	if !b.Get(0) || !b.Get(3) || !b.Get(9) {
		t.Fatalf("expected bits to be set")
	}
	if b.Get(1) || b.Get(8) {
		t.Fatalf("unexpected bits set")
	}
	if count := b.CountSet(); count != 3 {
		t.Fatalf("CountSet mismatch: got %d", count)
	}

	b.Clear(3)
	if b.Get(3) || b.CountSet() != 2 {
		t.Fatalf("expected bit 3 cleared")
	}
}

func TestBitmapFromBytes(t *testing.T) {
	b := NewBitmap(9)
	b.Set(0)
	b.Set(4)
	b.Set(8)

	clone, err := BitmapFromBytes(b.Marshal(), 9)
	if err != nil {
		t.Fatalf("BitmapFromBytes: %v", err)
	}
	if clone.CountSet() != 3 || !clone.Get(0) || !clone.Get(4) || !clone.Get(8) {
		t.Fatalf("bitmap round-trip mismatch")
	}
	if _, err := BitmapFromBytes([]byte{0}, 9); err == nil {
		t.Fatalf("expected length mismatch error")
	}
}

func TestBitmapFull(t *testing.T) {
	b := NewBitmap(3)
	if b.Full() {
		t.Fatalf("empty bitmap reported full")
	}
	for i := 0; i < 3; i++ {
		b.Set(i)
	}
	if !b.Full() {
		t.Fatalf("expected full bitmap")
	}
}
