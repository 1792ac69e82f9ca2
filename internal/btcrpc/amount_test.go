package btcrpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatSats(t *testing.T) {
	cases := []struct {
		sats int64
		want string
	}{
		{0, "0.00000000"},
		{1, "0.00000001"},
		{99995, "0.00099995"},
		{100_000_000, "1.00000000"},
		{150_000_000, "1.50000000"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, FormatSats(c.sats))
	}
}
