package numfmt

import "testing"

func TestUtoa(t *testing.T) {
	cases := map[uint64]string{
		0:     "0",
		7:     "7",
		42:    "42",
		10009: "10009",
	}
	for in, want := range cases {
		if got := Utoa(in); got != want {
			t.Errorf("Utoa(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestHex(t *testing.T) {
	cases := map[uint64]string{
		0:      "0x0",
		0xA:    "0xa",
		0x1000: "0x1000",
		0xdead: "0xdead",
	}
	for in, want := range cases {
		if got := Hex(in); got != want {
			t.Errorf("Hex(%#x) = %q, want %q", in, got, want)
		}
	}
}
