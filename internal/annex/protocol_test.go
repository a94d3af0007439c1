package annex

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConn(t *testing.T) {
	tests := []struct {
		name string
		do   func(*testing.T)
	}{
		{
			name: "query",
			do: func(t *testing.T) {
				var out bytes.Buffer
				c := NewConn(strings.NewReader("VALUE some value\r\n"), &out)

				v, err := c.Query("GETCONFIG", "url")
				require.NoError(t, err)
				require.Equal(t, "some value", v)
				require.Equal(t, "GETCONFIG url\n", out.String())
			},
		},
		{
			name: "query list",
			do: func(t *testing.T) {
				var out bytes.Buffer
				c := NewConn(strings.NewReader("VALUE a\nVALUE b\nVALUE\n"), &out)

				v, err := c.QueryList("GETURLS", "KEY", "https://x")
				require.NoError(t, err)
				require.Equal(t, []string{"a", "b"}, v)
			},
		},
		{
			name: "error answer",
			do: func(t *testing.T) {
				c := NewConn(strings.NewReader("ERROR no such remote\n"), io.Discard)

				_, err := c.Query("GETSTATE", "KEY")
				var perr *ParentError
				require.ErrorAs(t, err, &perr)
				require.Equal(t, "no such remote", perr.Message)
				require.True(t, ending(err))
			},
		},
		{
			name: "unexpected answer",
			do: func(t *testing.T) {
				c := NewConn(strings.NewReader("PREPARE\n"), io.Discard)

				_, err := c.Query("GETSTATE", "KEY")
				require.ErrorIs(t, err, errChannel)
			},
		},
		{
			name: "last line without newline",
			do: func(t *testing.T) {
				c := NewConn(strings.NewReader("PREPARE"), io.Discard)

				line, err := c.Receive()
				require.NoError(t, err)
				require.Equal(t, "PREPARE", line)
				_, err = c.Receive()
				require.ErrorIs(t, err, io.EOF)
			},
		},
		{
			name: "line breaks are refused",
			do: func(t *testing.T) {
				c := NewConn(strings.NewReader(""), io.Discard)
				require.ErrorIs(t, c.Send("DEBUG", "a\nb"), errChannel)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.do(t)
		})
	}
}

func TestHelpers(t *testing.T) {
	args, ok := splitArgs("STORE KEY /tmp/a b c", 3)
	require.True(t, ok)
	require.Equal(t, []string{"STORE", "KEY", "/tmp/a b c"}, args)
	_, ok = splitArgs("STORE KEY", 3)
	require.False(t, ok)
	_, ok = splitArgs("", 1)
	require.False(t, ok)

	require.Equal(t, "could not do it: because", oneLine(errors.New("could not do it:\nbecause")))

	ids, err := parseIDs("12, 13,,14")
	require.NoError(t, err)
	require.Equal(t, []int64{12, 13, 14}, ids)
	ids, err = parseIDs("")
	require.NoError(t, err)
	require.Empty(t, ids)
	_, err = parseIDs("12,x")
	require.Error(t, err)
	require.Equal(t, "12,13", formatIDs([]int64{12, 13}))
	require.Equal(t, "", formatIDs(nil))
}
