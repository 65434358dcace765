package checksum

import (
	"bytes"
	"testing"
	"testing/quick"
)

func TestCRC32CKnownValues(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint32
	}{
		{"empty", []byte{}, 0},
		// Standard check value for CRC-32C.
		{"123456789", []byte("123456789"), 0xe3069283},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Value(tt.data); got != tt.want {
				t.Errorf("Value(%q) = 0x%08x, want 0x%08x", tt.data, got, tt.want)
			}
		})
	}
}

func TestXXH3KnownValues(t *testing.T) {
	if got := XXH3(nil); got != 0x2d06800538d394c2 {
		t.Errorf("XXH3(empty) = 0x%016x, want 0x2d06800538d394c2", got)
	}
}

func TestMaskUnmask(t *testing.T) {
	f := func(crc uint32) bool {
		return Unmask(Mask(crc)) == crc
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestAppendVerify(t *testing.T) {
	data := []byte("the quick brown fox")
	for _, typ := range []Type{TypeNoChecksum, TypeCRC32C, TypeXXH3} {
		t.Run(typ.String(), func(t *testing.T) {
			out := Append(typ, []byte("pre"), data)
			if !bytes.HasPrefix(out, []byte("pre")) {
				t.Fatalf("prefix lost: %q", out)
			}
			trailer := out[3:]
			if len(trailer) != typ.Size() {
				t.Fatalf("trailer size = %d, want %d", len(trailer), typ.Size())
			}
			if !Verify(typ, data, trailer) {
				t.Fatal("Verify rejected a fresh trailer")
			}
			if typ == TypeNoChecksum {
				return
			}
			corrupt := append([]byte(nil), data...)
			corrupt[0] ^= 0x01
			if Verify(typ, corrupt, trailer) {
				t.Error("Verify accepted corrupted data")
			}
			if Verify(typ, data, trailer[:len(trailer)-1]) {
				t.Error("Verify accepted a short trailer")
			}
		})
	}
}

func TestAppendVerifyProperty(t *testing.T) {
	for _, typ := range []Type{TypeCRC32C, TypeXXH3} {
		f := func(data []byte) bool {
			return Verify(typ, data, Append(typ, nil, data))
		}
		if err := quick.Check(f, nil); err != nil {
			t.Errorf("%s: %v", typ, err)
		}
	}
}

func TestParseType(t *testing.T) {
	for _, typ := range []Type{TypeNoChecksum, TypeCRC32C, TypeXXH3} {
		got, err := ParseType(typ.String())
		if err != nil || got != typ {
			t.Errorf("ParseType(%q) = %v, %v", typ.String(), got, err)
		}
	}
	if _, err := ParseType("MD5"); err == nil {
		t.Error("ParseType accepted an unknown name")
	}
	if Type(2).IsSupported() {
		t.Error("Type(2) should be unsupported")
	}
}
